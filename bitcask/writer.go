package bitcask

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/pro0o/caskdb/types"
)

const (
	headerSize     = 8
	hintHeaderSize = 16

	// scratchSize bounds header+key of a single record.
	scratchSize = 400 * 1024
)

// LogWriter appends records to a single data file. It is not safe for
// concurrent use; callers serialize through their own lock.
type LogWriter struct {
	id      uint64
	file    *os.File
	writer  *bufio.Writer
	offset  int64
	scratch []byte
}

// OpenLogWriter opens path for appending. Writes continue from the current
// end of the file.
func OpenLogWriter(path string, id uint64) (*LogWriter, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open data file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat data file %s: %w", path, err)
	}

	return &LogWriter{
		id:      id,
		file:    file,
		writer:  bufio.NewWriter(file),
		offset:  info.Size(),
		scratch: make([]byte, scratchSize),
	}, nil
}

func (w *LogWriter) ID() uint64 {
	return w.id
}

// Size is the logical file size including buffered bytes.
func (w *LogWriter) Size() int64 {
	return w.offset
}

// Append encodes key and value as one record. A nil or empty value writes
// a tombstone.
func (w *LogWriter) Append(key, val []byte) (types.WriteResult, error) {
	if err := CheckKey(len(key)); err != nil {
		return types.WriteResult{}, err
	}
	if uint64(len(val)) > math.MaxUint32 {
		return types.WriteResult{}, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(val))
	}

	buf := w.scratch
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(key)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(val)))
	n := headerSize + copy(buf[headerSize:], key)

	// small records go out in a single write
	if n+len(val) <= len(buf) {
		n += copy(buf[n:], val)
		if _, err := w.writer.Write(buf[:n]); err != nil {
			return types.WriteResult{}, fmt.Errorf("write record: %w", err)
		}
	} else {
		if _, err := w.writer.Write(buf[:n]); err != nil {
			return types.WriteResult{}, fmt.Errorf("write record header: %w", err)
		}
		if _, err := w.writer.Write(val); err != nil {
			return types.WriteResult{}, fmt.Errorf("write record value: %w", err)
		}
	}

	written := headerSize + len(key) + len(val)
	result := types.WriteResult{
		BytesWritten: written,
		Location: types.FileLocation{
			FileID:        w.id,
			ValueSize:     uint32(len(val)),
			ValuePosition: w.offset + int64(headerSize+len(key)),
		},
	}
	w.offset += int64(written)
	return result, nil
}

func (w *LogWriter) Flush() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", w.file.Name(), err)
	}
	return nil
}

// Sync flushes buffered records and fsyncs the file.
func (w *LogWriter) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", w.file.Name(), err)
	}
	return nil
}

func (w *LogWriter) Close() error {
	if err := w.Sync(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.file.Name(), err)
	}
	return nil
}

// HintWriter appends hint records pointing into a paired data file.
type HintWriter struct {
	file   *os.File
	writer *bufio.Writer
}

func OpenHintWriter(path string) (*HintWriter, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open hint file %s: %w", path, err)
	}
	return &HintWriter{file: file, writer: bufio.NewWriter(file)}, nil
}

// Available reports how many bytes can be appended before the buffer spills
// to the file.
func (h *HintWriter) Available() int {
	return h.writer.Available()
}

func (h *HintWriter) Append(key []byte, loc types.FileLocation) error {
	var header [hintHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(key)))
	binary.BigEndian.PutUint32(header[4:8], loc.ValueSize)
	binary.BigEndian.PutUint64(header[8:16], uint64(loc.ValuePosition))

	if _, err := h.writer.Write(header[:]); err != nil {
		return fmt.Errorf("write hint header: %w", err)
	}
	if _, err := h.writer.Write(key); err != nil {
		return fmt.Errorf("write hint key: %w", err)
	}
	return nil
}

func (h *HintWriter) Flush() error {
	if err := h.writer.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", h.file.Name(), err)
	}
	return nil
}

func (h *HintWriter) Close() error {
	if err := h.Flush(); err != nil {
		h.file.Close()
		return err
	}
	if err := h.file.Sync(); err != nil {
		h.file.Close()
		return fmt.Errorf("fsync %s: %w", h.file.Name(), err)
	}
	return h.file.Close()
}

// EncodeRecord writes one data record to w outside of any data file.
func EncodeRecord(w io.Writer, key, val []byte) (int, error) {
	if uint64(len(val)) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(val))
	}
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(key)))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(val)))

	n, err := w.Write(header[:])
	if err != nil {
		return n, err
	}
	k, err := w.Write(key)
	n += k
	if err != nil {
		return n, err
	}
	v, err := w.Write(val)
	return n + v, err
}

// CheckKey rejects keys whose record header and key do not fit the scratch
// buffer of a LogWriter.
func CheckKey(keyLen int) error {
	if headerSize+keyLen > scratchSize {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, keyLen)
	}
	return nil
}

// HintRecordSize is the encoded size of a hint record for key.
func HintRecordSize(key []byte) int {
	return hintHeaderSize + len(key)
}
