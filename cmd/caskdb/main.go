package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/pro0o/caskdb/bitcask"
	"github.com/pro0o/caskdb/engine"
	"github.com/pro0o/caskdb/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "YAML options file")
	dir := flag.String("dir", "", "Database directory (overrides config)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Usage = printUsage
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	opts, err := loadOptions(*configPath, *dir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load options")
	}

	command, rest := args[0], args[1:]
	switch command {
	case "put":
		requireArgs(command, rest, 2)
		withEngine(opts, func(e *engine.Engine) error {
			return e.Put(rest[0], []byte(rest[1]))
		})
	case "get":
		requireArgs(command, rest, 1)
		withEngine(opts, func(e *engine.Engine) error {
			val, err := e.Get(rest[0])
			if err != nil {
				return err
			}
			fmt.Println(string(val))
			return nil
		})
	case "delete":
		requireArgs(command, rest, 1)
		withEngine(opts, func(e *engine.Engine) error {
			return e.Delete(rest[0])
		})
	case "merge":
		withEngine(opts, func(e *engine.Engine) error {
			return e.Merge()
		})
	case "rotate":
		withEngine(opts, func(e *engine.Engine) error {
			return e.Rotate()
		})
	case "stats":
		withEngine(opts, printStats)
	case "dump":
		requireArgs(command, rest, 1)
		if err := dumpFile(rest[0]); err != nil {
			log.Fatal().Err(err).Msg("Dump failed")
		}
	case "backup":
		requireArgs(command, rest, 1)
		withEngine(opts, func(e *engine.Engine) error {
			return backupTo(e, rest[0])
		})
	case "restore":
		requireArgs(command, rest, 1)
		withEngine(opts, func(e *engine.Engine) error {
			return restoreFrom(e, rest[0])
		})
	case "bench":
		if err := runBench(opts, rest); err != nil {
			log.Fatal().Err(err).Msg("Benchmark failed")
		}
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	usage := `caskdb - log-structured key-value store

Usage:
  caskdb [--config file] [--dir path] [--log-level level] <command> [args]

Commands:
  put <key> <value>   Store a value
  get <key>           Print a value
  delete <key>        Delete a key
  merge               Compact closed data files
  rotate              Close the active data file
  stats               Print engine statistics
  dump <file>         Print every record of a data file
  backup <file>       Write a compressed backup of all live keys
  restore <file>      Load a backup into the database
  bench [options]     Run the write/merge/read benchmark
`
	fmt.Fprint(os.Stderr, usage)
}

func requireArgs(command string, args []string, n int) {
	if len(args) != n {
		fmt.Fprintf(os.Stderr, "%s expects %d argument(s), got %d\n\n", command, n, len(args))
		printUsage()
		os.Exit(1)
	}
}

func loadOptions(configPath, dir string) (engine.Options, error) {
	opts := engine.DefaultOptions("./data/caskdb")
	if configPath != "" {
		loaded, err := engine.LoadOptions(configPath)
		if err != nil {
			return opts, err
		}
		opts = loaded
	}
	if dir != "" {
		opts.Dir = dir
	}
	return opts, nil
}

func withEngine(opts engine.Options, fn func(*engine.Engine) error) {
	e, err := engine.Open(opts)
	if err != nil {
		log.Fatal().Err(err).Str("dir", opts.Dir).Msg("Failed to open database")
	}
	runErr := fn(e)
	if err := e.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
	if errors.Is(runErr, engine.ErrKeyNotFound) {
		fmt.Fprintln(os.Stderr, "not found")
		os.Exit(2)
	}
	if runErr != nil {
		log.Fatal().Err(runErr).Msg("Command failed")
	}
}

func printStats(e *engine.Engine) error {
	stats := e.Stats()
	fmt.Printf("Directory:            %s\n", e.Dir())
	fmt.Printf("Keys:                 %d\n", stats.Keys)
	fmt.Printf("Data files:           %d\n", stats.DataFiles)
	fmt.Printf("Active file:          %s\n", types.FileName(stats.ActiveFileID, types.DataExt))
	fmt.Printf("Bytes since rotation: %d\n", stats.BytesSinceRotation)
	fmt.Printf("Key locks:            %d\n", stats.KeyLocks)
	return nil
}

func dumpFile(path string) error {
	return bitcask.ScanFile(path, func(entry types.Entry) error {
		if entry.Location.IsTombstone() {
			fmt.Printf("%-10d %-32q <tombstone>\n", entry.Location.ValuePosition, entry.Key)
			return nil
		}
		fmt.Printf("%-10d %-32q %q\n", entry.Location.ValuePosition, entry.Key, entry.Value)
		return nil
	})
}

func backupTo(e *engine.Engine, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create backup %s: %w", path, err)
	}
	if err := e.Backup(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func restoreFrom(e *engine.Engine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open backup %s: %w", path, err)
	}
	defer f.Close()
	return e.Restore(f)
}
