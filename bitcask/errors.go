package bitcask

import (
	"errors"
	"fmt"

	"github.com/pro0o/caskdb/types"
	"github.com/rs/zerolog/log"
)

var (
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrFileRetired is returned for reads against a file merge has retired.
	ErrFileRetired = errors.New("data file retired")
)

// InvariantError reports a keydir entry older than a record found by a
// forward scan of the files. It is never returned to callers; see abort.
type InvariantError struct {
	Key     string
	Reason  string
	Indexed types.FileLocation
	Scanned types.FileLocation
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("keydir invariant violated for key %q: %s (keydir %s, scanned %s)",
		e.Key, e.Reason, e.Indexed, e.Scanned)
}

// abort terminates the process. zerolog writes the event before exiting.
var abort = func(err *InvariantError) {
	log.Fatal().
		Str("key", err.Key).
		Stringer("keydir", err.Indexed).
		Stringer("scanned", err.Scanned).
		Msg(err.Error())
}
