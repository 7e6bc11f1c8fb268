package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/pro0o/caskdb/bitcask"
	"github.com/pro0o/caskdb/types"
)

// a lookup can race with merge retiring the file it points at; by then the
// keydir has moved on, so the read is retried from the lookup
const maxReadAttempts = 3

// Get returns the latest value of key or ErrKeyNotFound.
func (e *Engine) Get(key string) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	val, err := e.get(key)
	if errors.Is(err, ErrKeyNotFound) {
		e.metrics.RecordMiss("get", time.Since(start))
	} else {
		e.metrics.RecordOperation("get", err, time.Since(start))
	}
	return val, err
}

func (e *Engine) get(key string) ([]byte, error) {
	for range maxReadAttempts {
		loc, ok := e.keyDir.Lookup(key)
		if !ok {
			return nil, ErrKeyNotFound
		}

		val, err := e.readValue(loc)
		if errors.Is(err, bitcask.ErrFileRetired) {
			e.logger.Debug().Str("key", key).Stringer("location", loc).Msg("Read raced with merge, retrying")
			continue
		}
		return val, err
	}
	return nil, fmt.Errorf("get %q: %w", key, bitcask.ErrFileRetired)
}

func (e *Engine) readValue(loc types.FileLocation) ([]byte, error) {
	handle, err := e.files.ReadHandle(loc.FileID)
	if err != nil {
		return nil, err
	}

	// buffered bytes are invisible to a separate read handle
	if loc.FileID == e.files.ActiveID() {
		e.writeMu.Lock()
		err := ErrClosed
		if !e.closed.Load() {
			err = e.files.Active().Flush()
		}
		e.writeMu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	if out := e.mergeOut.Load(); out != nil && out.ID() == loc.FileID {
		if err := out.Flush(); err != nil {
			return nil, err
		}
	}

	val, ok, err := handle.ReadValue(loc.ValuePosition, loc.ValueSize)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	return val, nil
}
