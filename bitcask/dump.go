package bitcask

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pro0o/caskdb/types"
)

// ScanFile calls fn for every record of a data file, tombstones included.
func ScanFile(path string, fn func(types.Entry) error) error {
	id, ok := parseFileID(filepath.Base(path))
	if !ok {
		return fmt.Errorf("not a data file: %s", path)
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	it := NewRecordIterator(file, id, 0, true)
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("scan %s: %w", path, err)
		}
		if !ok {
			return nil
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}
