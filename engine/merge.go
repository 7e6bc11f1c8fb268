package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/pro0o/caskdb/bitcask"
	"github.com/pro0o/caskdb/types"
)

// retireFile removes a merged input. Replaceable in tests to stop a merge
// between its checkpoint and the retirement of an input.
var retireFile = (*bitcask.FileSet).Retire

// Merge rewrites the live records of every closed file into a new file with
// a hint companion and retires the files it read. Writes continue into a
// fresh active file while it runs. Only one merge runs at a time.
func (e *Engine) Merge() error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	start := time.Now()
	err := e.merge()
	e.metrics.RecordOperation("merge", err, time.Since(start))
	e.refreshGauges()
	return err
}

func (e *Engine) merge() error {
	// two rotations: the first closes the current active file into the
	// inputs, the second keeps the merge target away from Put
	e.writeMu.Lock()
	if e.closed.Load() {
		e.writeMu.Unlock()
		return ErrClosed
	}
	if err := e.rotateLocked(); err != nil {
		e.writeMu.Unlock()
		return fmt.Errorf("merge rotation: %w", err)
	}
	inputs := e.files.Closed()
	target := e.files.Active().ID()
	if err := e.rotateLocked(); err != nil {
		e.writeMu.Unlock()
		return fmt.Errorf("merge rotation: %w", err)
	}
	e.writeMu.Unlock()

	e.logger.Info().Int("files", len(inputs)).Uint64("target", target).Msg("Merging started")

	out, err := bitcask.OpenMergeOutput(e.files.Path(target, types.DataExt), e.files.Path(target, types.HintExt), target)
	if err != nil {
		return fmt.Errorf("open merge output: %w", err)
	}
	e.mergeOut.Store(out)
	defer e.mergeOut.Store(nil)

	merger := bitcask.NewMerger(e.keyDir, &e.locks, out)
	for _, id := range inputs {
		if err := merger.MergeFile(e.files.Path(id, types.DataExt), id); err != nil {
			return errors.Join(err, out.Close())
		}
		if err := out.Checkpoint(); err != nil {
			return errors.Join(err, out.Close())
		}
		if err := retireFile(e.files, id); err != nil {
			return errors.Join(err, out.Close())
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close merge output: %w", err)
	}

	e.metrics.MergeRelocated.Add(float64(merger.Stats.Relocated))
	e.metrics.MergeDiscarded.Add(float64(merger.Stats.Discarded))
	e.logger.Info().
		Int("scanned", merger.Stats.Scanned).
		Int("relocated", merger.Stats.Relocated).
		Int("discarded", merger.Stats.Discarded).
		Int("tombstones", merger.Stats.Tombstones).
		Msg("Merging complete")
	return nil
}
