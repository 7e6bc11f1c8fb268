package bitcask

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pro0o/caskdb/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/mmap"
)

const shardCount = 32

// KeyDir maps every live key to the location of its latest value.
// Lookups are safe without external locking; mutations of one key must be
// serialized through the LockRegistry.
type KeyDir struct {
	shards [shardCount]keyDirShard
}

type keyDirShard struct {
	mu      sync.RWMutex
	entries map[string]types.FileLocation
}

func NewKeyDir() *KeyDir {
	kd := &KeyDir{}
	for i := range kd.shards {
		kd.shards[i].entries = make(map[string]types.FileLocation)
	}
	return kd
}

func (kd *KeyDir) shard(key string) *keyDirShard {
	return &kd.shards[xxhash.Sum64String(key)%shardCount]
}

func (kd *KeyDir) Lookup(key string) (types.FileLocation, bool) {
	s := kd.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.entries[key]
	return loc, ok
}

// Insert records loc for key. A tombstone location removes the key instead.
func (kd *KeyDir) Insert(key string, loc types.FileLocation) {
	if loc.IsTombstone() {
		kd.Remove(key)
		return
	}
	s := kd.shard(key)
	s.mu.Lock()
	s.entries[key] = loc
	s.mu.Unlock()
}

func (kd *KeyDir) Remove(key string) {
	s := kd.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (kd *KeyDir) Len() int {
	n := 0
	for i := range kd.shards {
		s := &kd.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Keys returns a point-in-time copy of every indexed key, shard by shard.
func (kd *KeyDir) Keys() []string {
	keys := make([]string, 0, kd.Len())
	for i := range kd.shards {
		s := &kd.shards[i]
		s.mu.RLock()
		for key := range s.entries {
			keys = append(keys, key)
		}
		s.mu.RUnlock()
	}
	return keys
}

// Rebuild replays the data files of dir in ascending id order. A file with
// a hint companion is loaded from the hint alone.
func (kd *KeyDir) Rebuild(dir string, ids []uint64) error {
	for _, id := range ids {
		hintPath := filepath.Join(dir, types.FileName(id, types.HintExt))
		if _, err := os.Stat(hintPath); err == nil {
			if err := kd.loadHintFile(hintPath, id); err != nil {
				return err
			}
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat hint file %s: %w", hintPath, err)
		}

		if err := kd.loadDataFile(filepath.Join(dir, types.FileName(id, types.DataExt)), id); err != nil {
			return err
		}
	}
	log.Info().Int("files", len(ids)).Int("keys", kd.Len()).Msg("KeyDir rebuilt")
	return nil
}

func (kd *KeyDir) loadHintFile(path string, dataFileID uint64) error {
	reader, err := mmap.Open(path)
	if err != nil {
		return fmt.Errorf("mmap hint file %s: %w", path, err)
	}
	defer reader.Close()

	log.Debug().Str("hint", path).Int("bytes", reader.Len()).Msg("Loading hint file")
	it := NewHintIterator(io.NewSectionReader(reader, 0, int64(reader.Len())), dataFileID)
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("reading hint file %s: %w", path, err)
		}
		if !ok {
			return nil
		}
		kd.Insert(entry.Key, entry.Location)
	}
}

func (kd *KeyDir) loadDataFile(path string, id uint64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening data file %s: %w", path, err)
	}
	defer file.Close()

	log.Debug().Str("data", path).Msg("Scanning data file")
	it := NewRecordIterator(file, id, 0, false)
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("reading data file %s: %w", path, err)
		}
		if !ok {
			return nil
		}
		kd.Insert(entry.Key, entry.Location)
	}
}
