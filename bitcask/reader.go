package bitcask

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/pro0o/caskdb/types"
	"github.com/rs/zerolog/log"
)

const readBufferSize = 64 * 1024

// RecordIterator decodes data records front to back. On data files a short
// read at any point ends the iteration without error: a torn tail is end of
// data. Stream iterators are strict and report a cut record as
// io.ErrUnexpectedEOF.
type RecordIterator struct {
	reader     *bufio.Reader
	fileID     uint64
	offset     int64
	withValues bool
	strict     bool
}

// NewRecordIterator starts decoding src at offset. When withValues is false
// value payloads are skipped and Entry.Value stays nil.
func NewRecordIterator(src io.ReaderAt, fileID uint64, offset int64, withValues bool) *RecordIterator {
	section := io.NewSectionReader(src, offset, math.MaxInt64-offset)
	return newRecordIterator(section, fileID, offset, withValues)
}

// NewStreamIterator decodes records, values included, from a sequential
// stream such as a backup. Only a stream ending on a record boundary ends
// cleanly.
func NewStreamIterator(r io.Reader) *RecordIterator {
	it := newRecordIterator(r, 0, 0, true)
	it.strict = true
	return it
}

func newRecordIterator(r io.Reader, fileID uint64, offset int64, withValues bool) *RecordIterator {
	return &RecordIterator{
		reader:     bufio.NewReaderSize(r, readBufferSize),
		fileID:     fileID,
		offset:     offset,
		withValues: withValues,
	}
}

// Offset is where the next record starts; pass it to NewRecordIterator to
// resume.
func (it *RecordIterator) Offset() int64 {
	return it.offset
}

func (it *RecordIterator) Next() (types.Entry, bool, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(it.reader, header[:]); err != nil {
		return it.end(err)
	}
	keyLen := binary.BigEndian.Uint32(header[0:4])
	valLen := binary.BigEndian.Uint32(header[4:8])
	if keyLen > scratchSize-headerSize {
		if it.strict {
			return types.Entry{}, false, fmt.Errorf("record at offset %d: key length %d: %w", it.offset, keyLen, ErrCorruptRecord)
		}
		log.Warn().Uint64("file", it.fileID).Int64("offset", it.offset).Uint32("keyLen", keyLen).
			Msg("Implausible key length, treating as end of data")
		return types.Entry{}, false, nil
	}

	keyBuffer := make([]byte, keyLen)
	if _, err := io.ReadFull(it.reader, keyBuffer); err != nil {
		return it.end(truncated(err))
	}

	entry := types.Entry{
		Key: string(keyBuffer),
		Location: types.FileLocation{
			FileID:        it.fileID,
			ValueSize:     valLen,
			ValuePosition: it.offset + headerSize + int64(keyLen),
		},
	}

	if valLen > 0 {
		if it.withValues {
			valBuffer := make([]byte, valLen)
			if _, err := io.ReadFull(it.reader, valBuffer); err != nil {
				return it.end(truncated(err))
			}
			entry.Value = valBuffer
		} else if _, err := it.reader.Discard(int(valLen)); err != nil {
			return it.end(truncated(err))
		}
	}

	it.offset += headerSize + int64(keyLen) + int64(valLen)
	return entry, true, nil
}

// HintIterator decodes hint records. Locations carry the paired data
// file's id.
type HintIterator struct {
	reader *bufio.Reader
	fileID uint64
}

func NewHintIterator(src io.Reader, dataFileID uint64) *HintIterator {
	return &HintIterator{
		reader: bufio.NewReaderSize(src, readBufferSize),
		fileID: dataFileID,
	}
}

func (it *HintIterator) Next() (types.Entry, bool, error) {
	var header [hintHeaderSize]byte
	if _, err := io.ReadFull(it.reader, header[:]); err != nil {
		return endOfData(err)
	}
	keyLen := binary.BigEndian.Uint32(header[0:4])
	if keyLen > scratchSize-headerSize {
		return types.Entry{}, false, nil
	}

	keyBuffer := make([]byte, keyLen)
	if _, err := io.ReadFull(it.reader, keyBuffer); err != nil {
		return endOfData(err)
	}

	return types.Entry{
		Key: string(keyBuffer),
		Location: types.FileLocation{
			FileID:        it.fileID,
			ValueSize:     binary.BigEndian.Uint32(header[4:8]),
			ValuePosition: int64(binary.BigEndian.Uint64(header[8:16])),
		},
	}, true, nil
}

// end maps a read error to the end of iteration. Strict iterators only
// accept a clean io.EOF at a record boundary.
func (it *RecordIterator) end(err error) (types.Entry, bool, error) {
	if it.strict {
		if errors.Is(err, io.EOF) {
			return types.Entry{}, false, nil
		}
		return types.Entry{}, false, fmt.Errorf("record at offset %d: %w", it.offset, err)
	}
	return endOfData(err)
}

// truncated marks an EOF inside a record body: the header promised more.
func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func endOfData(err error) (types.Entry, bool, error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return types.Entry{}, false, nil
	}
	return types.Entry{}, false, err
}
