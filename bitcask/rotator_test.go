package bitcask

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/pro0o/caskdb/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func countFiles(t *testing.T, dir, pattern string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		t.Fatalf("Failed to glob %s: %v", pattern, err)
	}
	return len(matches)
}

func TestOpenFileSet(t *testing.T) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	testCases := []struct {
		name           string
		existing       []uint64
		expectedActive uint64
	}{
		{name: "empty_directory", existing: nil, expectedActive: 1},
		{name: "single_file", existing: []uint64{1}, expectedActive: 2},
		{name: "gap_in_ids", existing: []uint64{2, 9, 4}, expectedActive: 10},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, id := range tc.existing {
				createDataFile(t, dir, id, []testEntry{{key: "k", value: []byte("v")}})
			}
			// neither of these is a data file
			os.WriteFile(filepath.Join(dir, types.FileName(20, types.DataExt)+types.DeletedExt), nil, 0644)
			os.WriteFile(filepath.Join(dir, "notes.data"), nil, 0644)

			set, err := OpenFileSet(dir, true)
			if err != nil {
				t.Fatalf("OpenFileSet failed: %v", err)
			}
			defer set.Close()

			if set.ActiveID() != tc.expectedActive {
				t.Errorf("Expected active id %d, got %d", tc.expectedActive, set.ActiveID())
			}
			want := slices.Clone(tc.existing)
			slices.Sort(want)
			if !slices.Equal(set.Closed(), want) {
				t.Errorf("Expected closed ids %v, got %v", want, set.Closed())
			}
			if set.Active().Size() != 0 {
				t.Errorf("Expected a fresh active file, size %d", set.Active().Size())
			}
		})
	}
}

func TestRotate(t *testing.T) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	dir := t.TempDir()

	set, err := OpenFileSet(dir, true)
	if err != nil {
		t.Fatalf("OpenFileSet failed: %v", err)
	}
	defer set.Close()

	result, err := set.Active().Append([]byte("current_key"), []byte("current_value"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := set.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	if set.ActiveID() != 2 {
		t.Errorf("Expected active id 2, got %d", set.ActiveID())
	}
	if !slices.Equal(set.Closed(), []uint64{1}) {
		t.Errorf("Expected closed [1], got %v", set.Closed())
	}
	if n := countFiles(t, dir, "*.data"); n != 2 {
		t.Errorf("Expected 2 data files, got %d", n)
	}

	// rotation flushed the record so a read handle sees it
	handle, err := set.ReadHandle(1)
	if err != nil {
		t.Fatalf("ReadHandle failed: %v", err)
	}
	val, ok, err := handle.ReadValue(result.Location.ValuePosition, result.Location.ValueSize)
	if err != nil || !ok {
		t.Fatalf("ReadValue failed: ok=%v err=%v", ok, err)
	}
	if string(val) != "current_value" {
		t.Errorf("Expected current_value, got %q", val)
	}
}

func TestReadHandleShortRead(t *testing.T) {
	dir := t.TempDir()
	createDataFile(t, dir, 1, []testEntry{{key: "k", value: []byte("v")}})

	set, err := OpenFileSet(dir, true)
	if err != nil {
		t.Fatalf("OpenFileSet failed: %v", err)
	}
	defer set.Close()

	handle, err := set.ReadHandle(1)
	if err != nil {
		t.Fatalf("ReadHandle failed: %v", err)
	}
	if _, ok, err := handle.ReadValue(9, 100); ok || err != nil {
		t.Errorf("Expected a miss on short read, ok=%v err=%v", ok, err)
	}

	again, err := set.ReadHandle(1)
	if err != nil {
		t.Fatalf("ReadHandle failed: %v", err)
	}
	if again != handle {
		t.Error("Expected the cached handle to be reused")
	}
}

func TestRetire(t *testing.T) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	testCases := []struct {
		name       string
		softDelete bool
		leftovers  int
	}{
		{name: "soft_delete", softDelete: true, leftovers: 2},
		{name: "hard_delete", softDelete: false, leftovers: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			locations := createDataFile(t, dir, 1, []testEntry{{key: "k", value: []byte("v")}})
			createHintFileForTest(t, dir, 1, []string{"k"}, locations)

			set, err := OpenFileSet(dir, tc.softDelete)
			if err != nil {
				t.Fatalf("OpenFileSet failed: %v", err)
			}
			defer set.Close()

			handle, err := set.ReadHandle(1)
			if err != nil {
				t.Fatalf("ReadHandle failed: %v", err)
			}
			if err := set.Retire(1); err != nil {
				t.Fatalf("Retire failed: %v", err)
			}

			if len(set.Closed()) != 0 {
				t.Errorf("Expected no closed files, got %v", set.Closed())
			}
			if n := countFiles(t, dir, "*.hint"); n != 0 {
				t.Errorf("Expected hint file to be retired, found %d", n)
			}
			if n := countFiles(t, dir, "*"+types.DeletedExt); n != tc.leftovers {
				t.Errorf("Expected %d soft-deleted files, got %d", tc.leftovers, n)
			}
			if _, _, err := handle.ReadValue(0, 1); !errors.Is(err, ErrFileRetired) {
				t.Errorf("Expected ErrFileRetired from retired handle, got %v", err)
			}
			if _, err := set.ReadHandle(1); !errors.Is(err, ErrFileRetired) {
				t.Errorf("Expected ErrFileRetired for retired id, got %v", err)
			}
		})
	}
}
