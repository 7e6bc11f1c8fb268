package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pro0o/caskdb/bitcask"
	"github.com/pro0o/caskdb/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const lockFileName = "LOCK"

var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrClosed         = errors.New("engine closed")
	ErrLocked         = errors.New("database directory locked by another process")
	ErrInvalidOptions = errors.New("invalid options")

	ErrKeyTooLarge   = bitcask.ErrKeyTooLarge
	ErrValueTooLarge = bitcask.ErrValueTooLarge
)

// Engine is a Bitcask store over one directory. All methods are safe for
// concurrent use.
type Engine struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Registry

	dirLock *flock.Flock
	files   *bitcask.FileSet
	keyDir  *bitcask.KeyDir
	locks   bitcask.LockRegistry

	// writeMu guards the active file and bytesSinceRotation.
	writeMu            sync.Mutex
	bytesSinceRotation int64

	mergeMu  sync.Mutex
	mergeOut atomic.Pointer[bitcask.MergeOutput]

	closed atomic.Bool
}

// Stats is a snapshot of engine state.
type Stats struct {
	Keys               int
	DataFiles          int
	ActiveFileID       uint64
	BytesSinceRotation int64
	Merging            bool
	KeyLocks           int
}

// Open locks opts.Dir, rebuilds the keydir from its files and starts a new
// active file.
func Open(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve directory %s: %w", opts.Dir, err)
	}
	opts.Dir = dir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	dirLock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock directory %s: %w", dir, err)
	}
	if !locked {
		dirLock.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	reg := opts.Metrics
	if reg == nil {
		reg = metrics.NewRegistry(nil)
	}

	e := &Engine{
		opts:    opts,
		logger:  log.With().Str("dir", dir).Str("instance", uuid.NewString()).Logger(),
		metrics: reg,
		dirLock: dirLock,
		keyDir:  bitcask.NewKeyDir(),
	}

	files, err := bitcask.OpenFileSet(dir, opts.SoftDelete)
	if err != nil {
		dirLock.Unlock()
		return nil, err
	}
	e.files = files

	start := time.Now()
	if err := e.keyDir.Rebuild(dir, files.Closed()); err != nil {
		files.Close()
		dirLock.Unlock()
		return nil, fmt.Errorf("rebuild keydir: %w", err)
	}

	e.refreshGauges()
	e.logger.Info().
		Int("keys", e.keyDir.Len()).
		Int("files", files.Count()).
		Uint64("active", files.ActiveID()).
		Dur("took", time.Since(start)).
		Msg("Engine opened")
	return e, nil
}

// Put appends key=value and points the keydir at it. An empty value is a
// delete.
func (e *Engine) Put(key string, value []byte) error {
	op := "put"
	if len(value) == 0 {
		op = "delete"
	}
	start := time.Now()
	err := e.put(key, value)
	e.metrics.RecordOperation(op, err, time.Since(start))
	return err
}

func (e *Engine) Delete(key string) error {
	return e.Put(key, nil)
}

func (e *Engine) put(key string, value []byte) error {
	// rejected keys never reach the lock registry, which is never pruned
	if err := bitcask.CheckKey(len(key)); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	mu := e.locks.LockFor(key)
	mu.Lock()
	defer mu.Unlock()

	e.writeMu.Lock()
	if e.closed.Load() {
		e.writeMu.Unlock()
		return ErrClosed
	}

	active := e.files.Active()
	result, err := active.Append([]byte(key), value)
	if err != nil {
		e.writeMu.Unlock()
		return fmt.Errorf("put %q: %w", key, err)
	}
	e.bytesSinceRotation += int64(result.BytesWritten)
	e.metrics.BytesWritten.Add(float64(result.BytesWritten))

	if e.opts.SyncWrites {
		err = active.Sync()
	}
	if err == nil && e.bytesSinceRotation >= e.opts.RotationThreshold {
		e.logger.Debug().Int64("bytes", e.bytesSinceRotation).Msg("Auto rotating data file")
		err = e.rotateLocked()
	}
	e.writeMu.Unlock()

	// the record is in the file either way; index it before reporting
	e.keyDir.Insert(key, result.Location)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Rotate closes the active file and starts the next one.
func (e *Engine) Rotate() error {
	start := time.Now()
	e.writeMu.Lock()
	err := ErrClosed
	if !e.closed.Load() {
		err = e.rotateLocked()
	}
	e.writeMu.Unlock()
	e.metrics.RecordOperation("rotate", err, time.Since(start))
	return err
}

func (e *Engine) rotateLocked() error {
	if err := e.files.Rotate(); err != nil {
		return err
	}
	e.bytesSinceRotation = 0
	e.metrics.Rotations.Inc()
	e.metrics.DataFiles.Set(float64(e.files.Count()))
	return nil
}

// Sync flushes and fsyncs the active file.
func (e *Engine) Sync() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	return e.files.Active().Sync()
}

func (e *Engine) Stats() Stats {
	e.writeMu.Lock()
	bytes := e.bytesSinceRotation
	e.writeMu.Unlock()

	e.refreshGauges()
	return Stats{
		Keys:               e.keyDir.Len(),
		DataFiles:          e.files.Count(),
		ActiveFileID:       e.files.ActiveID(),
		BytesSinceRotation: bytes,
		Merging:            e.mergeOut.Load() != nil,
		KeyLocks:           e.locks.Len(),
	}
}

func (e *Engine) Metrics() *metrics.Registry {
	return e.metrics
}

func (e *Engine) Dir() string {
	return e.opts.Dir
}

func (e *Engine) refreshGauges() {
	e.metrics.Keys.Set(float64(e.keyDir.Len()))
	e.metrics.DataFiles.Set(float64(e.files.Count()))
}

// Close waits for a running merge, then flushes and closes every file and
// releases the directory lock. Closing twice is a no-op.
func (e *Engine) Close() error {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Swap(true) {
		return nil
	}

	var errs []error
	if err := e.files.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.dirLock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("unlock directory: %w", err))
	}
	e.logger.Info().Msg("Engine closed")
	return errors.Join(errs...)
}
