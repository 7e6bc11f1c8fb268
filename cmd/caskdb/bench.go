package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pro0o/caskdb/engine"
	"golang.org/x/sync/errgroup"
)

type benchConfig struct {
	writes   int
	distinct int
	writers  int
	sync     bool
	keep     bool
}

// runBench writes over a small key space so that merge has superseded
// records to drop, merges, reopens and reads every key back. It runs in a
// fresh temporary directory; the other options are kept.
func runBench(opts engine.Options, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	var cfg benchConfig
	fs.IntVar(&cfg.writes, "keys", 1_000_000, "Number of writes")
	fs.IntVar(&cfg.distinct, "distinct", 10_000, "Number of distinct keys")
	fs.IntVar(&cfg.writers, "writers", 1, "Concurrent writers")
	fs.BoolVar(&cfg.sync, "sync", false, "Fsync every write")
	fs.BoolVar(&cfg.keep, "keep", false, "Keep the benchmark directory")
	fs.Parse(args)

	if cfg.writes <= 0 || cfg.distinct <= 0 || cfg.writers <= 0 {
		return fmt.Errorf("keys, distinct and writers must be positive")
	}
	dir, err := os.MkdirTemp("", "caskdb-bench-")
	if err != nil {
		return fmt.Errorf("create benchmark directory: %w", err)
	}
	if !cfg.keep {
		defer os.RemoveAll(dir)
	}
	opts.Dir = dir
	opts.SyncWrites = cfg.sync

	fmt.Printf("CaskDB Benchmark\n")
	fmt.Printf("================\n")
	fmt.Printf("  Writes:    %d\n", cfg.writes)
	fmt.Printf("  Distinct:  %d\n", cfg.distinct)
	fmt.Printf("  Writers:   %d\n", cfg.writers)
	fmt.Printf("  Sync:      %v\n", cfg.sync)
	fmt.Printf("  Directory: %s\n\n", opts.Dir)

	values := make([]string, cfg.writes)
	for i := range values {
		values[i] = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	e, err := engine.Open(opts)
	if err != nil {
		return err
	}

	start := time.Now()
	var g errgroup.Group
	for w := range cfg.writers {
		g.Go(func() error {
			for i := w; i < cfg.writes; i += cfg.writers {
				if err := e.Put(strconv.Itoa(i%cfg.distinct), []byte(values[i])); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.Close()
		return err
	}
	report("write", cfg.writes, time.Since(start))

	before := e.Stats()
	start = time.Now()
	if err := e.Merge(); err != nil {
		e.Close()
		return err
	}
	report("merge", 1, time.Since(start))
	after := e.Stats()
	fmt.Printf("%16s: %d -> %d files\n", "data files", before.DataFiles, after.DataFiles)

	if err := e.Close(); err != nil {
		return err
	}

	start = time.Now()
	e, err = engine.Open(opts)
	if err != nil {
		return err
	}
	defer e.Close()
	report("reopen", 1, time.Since(start))

	start = time.Now()
	for i := range cfg.writes {
		if _, err := e.Get(strconv.Itoa(i % cfg.distinct)); err != nil {
			return fmt.Errorf("read %d: %w", i%cfg.distinct, err)
		}
	}
	report("read", cfg.writes, time.Since(start))
	return nil
}

func report(name string, ops int, took time.Duration) {
	perOp := took / time.Duration(max(ops, 1))
	fmt.Printf("%16s: %v (%d ops, %v/op, %.0f ops/sec)\n", name, took.Round(time.Millisecond), ops, perOp, float64(ops)/took.Seconds())
}
