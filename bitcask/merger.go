package bitcask

import (
	"fmt"
	"os"
	"sync"

	"github.com/pro0o/caskdb/types"
	"github.com/rs/zerolog/log"
)

// MergeOutput is the data file and hint file a merge writes into. Its lock
// is shared with readers that need the data file flushed.
type MergeOutput struct {
	mu     sync.Mutex
	data   *LogWriter
	hint   *HintWriter
	closed bool
}

func OpenMergeOutput(dataPath, hintPath string, id uint64) (*MergeOutput, error) {
	data, err := OpenLogWriter(dataPath, id)
	if err != nil {
		return nil, err
	}
	hint, err := OpenHintWriter(hintPath)
	if err != nil {
		data.Close()
		return nil, err
	}
	return &MergeOutput{data: data, hint: hint}, nil
}

func (m *MergeOutput) ID() uint64 {
	return m.data.ID()
}

func (m *MergeOutput) append(key, val []byte) (types.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Append(key, val)
}

// Flush pushes buffered data records to the file. It is a no-op once the
// output is closed.
func (m *MergeOutput) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.data.Flush()
}

// appendHint records loc in the hint file. Hint bytes reach the file only
// after the data they point at.
func (m *MergeOutput) appendHint(key []byte, loc types.FileLocation) error {
	if m.hint.Available() < HintRecordSize(key) {
		if err := m.Flush(); err != nil {
			return err
		}
	}
	return m.hint.Append(key, loc)
}

// Checkpoint flushes the data file and then the hint file.
func (m *MergeOutput) Checkpoint() error {
	if err := m.Flush(); err != nil {
		return err
	}
	return m.hint.Flush()
}

func (m *MergeOutput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.data.Close(); err != nil {
		m.hint.Close()
		return err
	}
	return m.hint.Close()
}

// MergeStats counts what a merge did with the records it scanned.
type MergeStats struct {
	Scanned    int
	Relocated  int
	Discarded  int
	Tombstones int
}

// Merger relocates the live records of closed files into a MergeOutput.
type Merger struct {
	keyDir *KeyDir
	locks  *LockRegistry
	out    *MergeOutput
	Stats  MergeStats
}

func NewMerger(keyDir *KeyDir, locks *LockRegistry, out *MergeOutput) *Merger {
	return &Merger{keyDir: keyDir, locks: locks, out: out}
}

// MergeFile scans one closed data file and relocates every record the
// keydir still points at. The source file is read with its own handle.
func (m *Merger) MergeFile(path string, id uint64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", path, err)
	}
	defer file.Close()

	it := NewRecordIterator(file, id, 0, true)
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("merging log file %s: %w", path, err)
		}
		if !ok {
			break
		}
		m.Stats.Scanned++
		if entry.Location.IsTombstone() {
			m.Stats.Tombstones++
			continue
		}
		if err := m.mergeEntry(entry); err != nil {
			return fmt.Errorf("merging key %q from %s: %w", entry.Key, path, err)
		}
	}
	log.Debug().Str("file", path).Int("scanned", m.Stats.Scanned).Int("relocated", m.Stats.Relocated).
		Msg("Merged data file")
	return nil
}

func (m *Merger) mergeEntry(entry types.Entry) error {
	if !m.maybeLive(entry) {
		return nil
	}

	key := []byte(entry.Key)
	result, err := m.out.append(key, entry.Value)
	if err != nil {
		return err
	}
	// a crash past this point leaves the source file in place, so the
	// duplicate in the output is never indexed without its hint
	if err := m.out.appendHint(key, result.Location); err != nil {
		return err
	}

	mu := m.locks.LockFor(entry.Key)
	mu.Lock()
	defer mu.Unlock()
	if !m.shouldRelocate(entry) {
		m.Stats.Discarded++
		return nil
	}
	m.keyDir.Insert(entry.Key, result.Location)
	m.Stats.Relocated++
	return nil
}

// maybeLive drops records the keydir has already moved past without taking
// the key lock. An absent key or an older keydir location may be a put
// between its append and its keydir update, so those are judged under the
// key lock.
func (m *Merger) maybeLive(entry types.Entry) bool {
	if current, ok := m.keyDir.Lookup(entry.Key); ok {
		if relocate, err := checkRelocation(entry.Key, current, entry.Location); err == nil {
			return relocate
		}
	}
	mu := m.locks.LockFor(entry.Key)
	mu.Lock()
	defer mu.Unlock()
	return m.shouldRelocate(entry)
}

func (m *Merger) shouldRelocate(entry types.Entry) bool {
	current, ok := m.keyDir.Lookup(entry.Key)
	if !ok {
		return false
	}
	relocate, err := checkRelocation(entry.Key, current, entry.Location)
	if err != nil {
		abort(err)
	}
	return relocate
}

// checkRelocation decides whether scanned is the live copy of key given the
// keydir's current location.
func checkRelocation(key string, current, scanned types.FileLocation) (bool, *InvariantError) {
	switch {
	case current.FileID < scanned.FileID:
		return false, &InvariantError{Key: key, Reason: "keydir file older than scanned file", Indexed: current, Scanned: scanned}
	case current.FileID > scanned.FileID:
		return false, nil
	case current.ValuePosition > scanned.ValuePosition:
		return false, nil
	case current.ValuePosition < scanned.ValuePosition:
		return false, &InvariantError{Key: key, Reason: "keydir position older than scanned position", Indexed: current, Scanned: scanned}
	}
	return true, nil
}
