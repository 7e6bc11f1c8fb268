package engine

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupRestore(t *testing.T) {
	src := openTestEngine(t, t.TempDir(), withThreshold(64))
	want := make(map[string]string)
	for i := range 30 {
		key := fmt.Sprintf("key%d", i%11)
		val := fmt.Sprintf("value-%d", i)
		require.NoError(t, src.Put(key, []byte(val)))
		want[key] = val
	}
	require.NoError(t, src.Delete("key4"))
	delete(want, "key4")

	var buf bytes.Buffer
	require.NoError(t, src.Backup(&buf))

	dst := openTestEngine(t, t.TempDir())
	require.NoError(t, dst.Put("key4", []byte("untouched")))
	require.NoError(t, dst.Restore(&buf))

	assert.Equal(t, len(want)+1, dst.Stats().Keys)
	for key, val := range want {
		requireValue(t, dst, key, val)
	}
	requireValue(t, dst, "key4", "untouched")
}

func TestBackupClosedEngine(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Backup(&bytes.Buffer{}), ErrClosed)
}

func TestRestoreCorruptStream(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	err := e.Restore(bytes.NewReader([]byte("definitely not snappy")))
	assert.ErrorIs(t, err, ErrCorruptBackup)
}

// snappyChunkEnds walks the framing of a snappy stream and returns the
// offset just past each chunk.
func snappyChunkEnds(t *testing.T, stream []byte) []int {
	t.Helper()
	var ends []int
	for pos := 0; pos < len(stream); {
		require.LessOrEqual(t, pos+4, len(stream), "chunk header at %d", pos)
		n := int(stream[pos+1]) | int(stream[pos+2])<<8 | int(stream[pos+3])<<16
		pos += 4 + n
		ends = append(ends, pos)
	}
	require.Equal(t, len(stream), ends[len(ends)-1])
	return ends
}

func TestRestoreTruncatedBackup(t *testing.T) {
	src := openTestEngine(t, t.TempDir())
	random := rand.NewChaCha8([32]byte{7})
	want := make(map[string][]byte)
	for i := range 400 {
		val := make([]byte, 1000)
		random.Read(val)
		key := fmt.Sprintf("key%03d", i)
		require.NoError(t, src.Put(key, val))
		want[key] = val
	}

	var buf bytes.Buffer
	require.NoError(t, src.Backup(&buf))
	stream := buf.Bytes()

	ends := snappyChunkEnds(t, stream)
	require.Greater(t, len(ends), 3, "backup should span several snappy chunks")

	// chunk boundaries are where snappy itself sees a clean end of stream
	cuts := ends[:len(ends)-1]
	for cut := 0; cut < len(stream); cut += 4999 {
		cuts = append(cuts, cut)
	}

	dst := openTestEngine(t, t.TempDir())
	for _, cut := range cuts {
		err := dst.Restore(bytes.NewReader(stream[:cut]))
		require.ErrorIs(t, err, ErrCorruptBackup, "cut at %d of %d", cut, len(stream))
	}

	require.NoError(t, dst.Restore(bytes.NewReader(stream)))
	assert.Equal(t, len(want), dst.Stats().Keys)
	for key, val := range want {
		got, err := dst.Get(key)
		require.NoError(t, err)
		assert.Equal(t, val, got, "value of %q", key)
	}
}

func TestRestoreRejectsDataAfterTrailer(t *testing.T) {
	src := openTestEngine(t, t.TempDir())
	require.NoError(t, src.Put("a", []byte("1")))

	var first, second bytes.Buffer
	require.NoError(t, src.Backup(&first))
	require.NoError(t, src.Backup(&second))

	// two framed streams back to back decode as one stream with a trailer in the middle
	joined := append(first.Bytes(), second.Bytes()...)
	dst := openTestEngine(t, t.TempDir())
	assert.ErrorIs(t, dst.Restore(bytes.NewReader(joined)), ErrCorruptBackup)
}

func TestBackupDoesNotCountReads(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	for i := range 10 {
		require.NoError(t, e.Put(fmt.Sprintf("key%d", i), []byte("v")))
	}

	require.NoError(t, e.Backup(&bytes.Buffer{}))

	m := e.Metrics()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("get", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration, "caskdb_operation_duration_seconds"),
		"only put latency observed")
}
