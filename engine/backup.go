package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/pro0o/caskdb/bitcask"
)

var ErrCorruptBackup = errors.New("corrupt backup")

// Backup writes every live key and value to w as snappy-framed data
// records, followed by a trailer holding the record count. Each value is
// read on its own, so the stream is consistent per key but not a
// point-in-time snapshot of the whole database.
//
// The trailer is a tombstone record whose key is the big-endian count.
// Backups never carry real tombstones, so it cannot be mistaken for data.
func (e *Engine) Backup(w io.Writer) error {
	if e.closed.Load() {
		return ErrClosed
	}

	sw := snappy.NewBufferedWriter(w)
	var count uint64
	for _, key := range e.keyDir.Keys() {
		val, err := e.get(key)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			sw.Close()
			return fmt.Errorf("backup %q: %w", key, err)
		}
		if _, err := bitcask.EncodeRecord(sw, []byte(key), val); err != nil {
			sw.Close()
			return fmt.Errorf("backup %q: %w", key, err)
		}
		count++
	}

	var trailer [8]byte
	binary.BigEndian.PutUint64(trailer[:], count)
	if _, err := bitcask.EncodeRecord(sw, trailer[:], nil); err != nil {
		sw.Close()
		return fmt.Errorf("backup trailer: %w", err)
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("finish backup: %w", err)
	}
	e.logger.Info().Uint64("keys", count).Msg("Backup written")
	return nil
}

// Restore replays a Backup stream through Put. Records are applied as they
// are read; a stream that is cut short or lacks its trailer still returns
// ErrCorruptBackup after applying what came before the damage.
func (e *Engine) Restore(r io.Reader) error {
	it := bitcask.NewStreamIterator(snappy.NewReader(r))
	var count uint64
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("%w: after %d records: %v", ErrCorruptBackup, count, err)
		}
		if !ok {
			return fmt.Errorf("%w: missing trailer after %d records", ErrCorruptBackup, count)
		}

		if entry.Location.IsTombstone() {
			if len(entry.Key) != 8 {
				return fmt.Errorf("%w: malformed trailer", ErrCorruptBackup)
			}
			if want := binary.BigEndian.Uint64([]byte(entry.Key)); want != count {
				return fmt.Errorf("%w: trailer counts %d records, read %d", ErrCorruptBackup, want, count)
			}
			if _, more, err := it.Next(); more || err != nil {
				return fmt.Errorf("%w: data after trailer", ErrCorruptBackup)
			}
			break
		}

		if err := e.Put(entry.Key, entry.Value); err != nil {
			return fmt.Errorf("restore %q: %w", entry.Key, err)
		}
		count++
	}
	e.logger.Info().Uint64("keys", count).Msg("Backup restored")
	return nil
}
