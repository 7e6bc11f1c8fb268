package bitcask

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/pro0o/caskdb/types"
	"github.com/rs/zerolog/log"
)

// FileSet owns the active data file, the closed files and their cached
// read handles. Rotate must be called with the engine's write lock held.
type FileSet struct {
	dir        string
	softDelete bool

	active *LogWriter

	mu      sync.Mutex
	closed  []uint64
	maxID   uint64
	handles map[uint64]*ReadHandle
	shut    bool
}

// OpenFileSet discovers the existing data files of dir and starts a fresh
// active file after the newest one. Existing files are never appended to.
func OpenFileSet(dir string, softDelete bool) (*FileSet, error) {
	ids, err := sorted(dir)
	if err != nil {
		return nil, err
	}

	set := &FileSet{
		dir:        dir,
		softDelete: softDelete,
		closed:     ids,
		handles:    make(map[uint64]*ReadHandle),
	}
	if len(ids) > 0 {
		set.maxID = ids[len(ids)-1]
	}
	log.Info().Str("dir", dir).Int("count", len(ids)).Msg("Found data files")

	if err := set.openActive(); err != nil {
		return nil, err
	}
	return set, nil
}

func (set *FileSet) Dir() string {
	return set.dir
}

func (set *FileSet) Path(id uint64, ext string) string {
	return filepath.Join(set.dir, types.FileName(id, ext))
}

func (set *FileSet) openActive() error {
	set.mu.Lock()
	set.maxID++
	id := set.maxID
	set.mu.Unlock()

	writer, err := OpenLogWriter(set.Path(id, types.DataExt), id)
	if err != nil {
		return err
	}
	set.mu.Lock()
	set.active = writer
	set.mu.Unlock()
	log.Debug().Uint64("id", id).Msg("New active file")
	return nil
}

// Active returns the current writer. Callers hold the write lock.
func (set *FileSet) Active() *LogWriter {
	return set.active
}

// ActiveID may be called without the write lock.
func (set *FileSet) ActiveID() uint64 {
	set.mu.Lock()
	defer set.mu.Unlock()
	return set.active.ID()
}

// Rotate closes the active file into the closed set and opens the next id.
func (set *FileSet) Rotate() error {
	old := set.active
	if err := old.Close(); err != nil {
		return fmt.Errorf("close active file: %w", err)
	}

	set.mu.Lock()
	set.closed = append(set.closed, old.ID())
	set.mu.Unlock()

	if err := set.openActive(); err != nil {
		return fmt.Errorf("open new active file: %w", err)
	}
	log.Info().Uint64("closed", old.ID()).Uint64("active", set.active.ID()).Msg("Rotation complete")
	return nil
}

// Closed returns a copy of the closed ids, ascending.
func (set *FileSet) Closed() []uint64 {
	set.mu.Lock()
	defer set.mu.Unlock()
	return slices.Clone(set.closed)
}

// Count is the number of data files including the active one.
func (set *FileSet) Count() int {
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.closed) + 1
}

// ReadHandle returns the cached handle for id, opening it on first use.
func (set *FileSet) ReadHandle(id uint64) (*ReadHandle, error) {
	set.mu.Lock()
	defer set.mu.Unlock()

	if h, ok := set.handles[id]; ok {
		return h, nil
	}
	if set.shut {
		return nil, fmt.Errorf("open read handle: %w", os.ErrClosed)
	}
	if id != set.active.ID() && !slices.Contains(set.closed, id) {
		return nil, fmt.Errorf("%w: %s", ErrFileRetired, types.FileName(id, types.DataExt))
	}

	file, err := os.Open(set.Path(id, types.DataExt))
	if err != nil {
		return nil, fmt.Errorf("open read handle: %w", err)
	}
	h := &ReadHandle{file: file}
	set.handles[id] = h
	return h, nil
}

// Retire removes a merged file from the set and from disk, together with
// its hint file.
func (set *FileSet) Retire(id uint64) error {
	set.mu.Lock()
	set.closed = slices.DeleteFunc(set.closed, func(c uint64) bool { return c == id })
	h := set.handles[id]
	delete(set.handles, id)
	set.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			log.Warn().Err(err).Uint64("id", id).Msg("Failed to close retired read handle")
		}
	}

	for _, ext := range []string{types.DataExt, types.HintExt} {
		path := set.Path(id, ext)
		var err error
		if set.softDelete {
			err = os.Rename(path, path+types.DeletedExt)
		} else {
			err = os.Remove(path)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("retire %s: %w", path, err)
		}
	}
	log.Debug().Uint64("id", id).Bool("soft", set.softDelete).Msg("Retired data file")
	return nil
}

// Close flushes and closes the active file and every cached read handle.
// Already closed handles are ignored.
func (set *FileSet) Close() error {
	var errs []error
	if set.active != nil {
		if err := set.active.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	set.shut = true
	for id, h := range set.handles {
		if err := h.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
		delete(set.handles, id)
	}
	return errors.Join(errs...)
}

// ReadHandle is a shared random-access reader. Seek and read happen under
// its own lock since the cursor is shared.
type ReadHandle struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// ReadValue reads size bytes at pos. ok is false on a short read.
func (h *ReadHandle) ReadValue(pos int64, size uint32) ([]byte, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false, ErrFileRetired
	}
	if _, err := h.file.Seek(pos, io.SeekStart); err != nil {
		return nil, false, fmt.Errorf("seek %s: %w", h.file.Name(), err)
	}
	valBuffer := make([]byte, size)
	if _, err := io.ReadFull(h.file, valBuffer); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", h.file.Name(), err)
	}
	return valBuffer, true, nil
}

func (h *ReadHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.file.Close()
}
