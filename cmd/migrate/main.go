// Command migrate applies or reverts the pending_actions schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/offqueue/internal/infra/config"
	"github.com/coachpo/offqueue/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type target struct {
	driver migrations.Driver
	dsn    string
	dir    string
}

func run(argv []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		cfgPath = fs.String("config", "", "Application config to read the store section from")
		driver  = fs.String("driver", "", "Database driver (sqlite|postgres); overrides the config")
		dsn     = fs.String("database", "", "sqlite file path or PostgreSQL DSN; overrides the config")
		dir     = fs.String("path", "", "Directory containing SQL migrations (default: embedded)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	tgt, err := resolveTarget(ctx, *cfgPath, *driver, *dsn, *dir)
	if err != nil {
		return err
	}

	args := fs.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "offqueue-migrate ", log.LstdFlags)
	}

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, tgt.driver, tgt.dsn, tgt.dir, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, tgt.driver, tgt.dsn, tgt.dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}

// resolveTarget merges the store section of cfgPath with explicit flags. Flags win.
func resolveTarget(ctx context.Context, cfgPath, driverFlag, dsnFlag, dirFlag string) (target, error) {
	var tgt target
	if strings.TrimSpace(cfgPath) != "" {
		cfg, err := config.Load(ctx, cfgPath)
		if err != nil {
			return target{}, err
		}
		if cfg.Store.Driver == config.StoreMemory {
			return target{}, errors.New("memory store has no schema to migrate")
		}
		tgt.driver = migrations.Driver(cfg.Store.Driver)
		if cfg.Store.Driver == config.StorePostgres {
			tgt.dsn = cfg.Store.DSN
			tgt.dir = cfg.Store.MigrationsPath
		} else {
			tgt.dsn = cfg.Store.Path
		}
	}

	if strings.TrimSpace(driverFlag) != "" {
		parsed, err := migrations.ParseDriver(driverFlag)
		if err != nil {
			return target{}, err
		}
		tgt.driver = parsed
	}
	if tgt.driver == "" {
		tgt.driver = migrations.DriverSQLite
	}
	if strings.TrimSpace(dsnFlag) != "" {
		tgt.dsn = dsnFlag
	}
	if strings.TrimSpace(dirFlag) != "" {
		tgt.dir = dirFlag
	}
	if strings.TrimSpace(tgt.dsn) == "" {
		return target{}, errors.New("-database flag is required")
	}
	return tgt, nil
}
