package bitcask

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pro0o/caskdb/types"
)

// sorted lists the ids of dir's data files, ascending.
func sorted(dir string) ([]uint64, error) {
	logs, err := filepath.Glob(filepath.Join(dir, "*"+types.DataExt))
	if err != nil {
		return nil, fmt.Errorf("glob data files: %w", err)
	}

	ids := make([]uint64, 0, len(logs))
	for _, name := range logs {
		id, ok := parseFileID(filepath.Base(name))
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func parseFileID(name string) (uint64, bool) {
	stem, ok := strings.CutSuffix(name, types.DataExt)
	if !ok || stem == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
