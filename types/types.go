package types

import "fmt"

const (
	DataExt    = ".data"
	HintExt    = ".hint"
	DeletedExt = ".deleted"
)

// FileLocation points at the value payload of a record, not the record start.
type FileLocation struct {
	FileID        uint64
	ValueSize     uint32
	ValuePosition int64
}

// IsTombstone reports whether the location carries no value.
func (l FileLocation) IsTombstone() bool {
	return l.ValueSize == 0
}

func (l FileLocation) String() string {
	return fmt.Sprintf("%s@%d+%d", FileName(l.FileID, DataExt), l.ValuePosition, l.ValueSize)
}

// Entry is a decoded data or hint record. Value is nil when the
// iterator skipped the payload or the record is a tombstone.
type Entry struct {
	Key      string
	Location FileLocation
	Value    []byte
}

type WriteResult struct {
	BytesWritten int
	Location     FileLocation
}

// FileName renders a file id as its fixed-width on-disk name.
func FileName(id uint64, ext string) string {
	return fmt.Sprintf("%012d%s", id, ext)
}
