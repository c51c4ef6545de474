// evidenced - Case evidence and narrative indexing daemon
//
// evidenced watches evidence drop directories, seals every arriving file
// with a SHA-256 digest, persists it to the authoritative local store, and
// mirrors non-binary metadata to an optional Redis replica. Report text
// saved against a case is indexed for headings, people, dates, and amounts.
//
// Usage:
//
//	evidenced [flags]
//
// Examples:
//
//	# Run with the default configuration
//	evidenced
//
//	# Run with an explicit config file and verbose logging
//	evidenced -config /etc/evidenced/evidenced.toml -log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"evidenced/internal/config"
	"evidenced/internal/intake"
	"evidenced/internal/logging"
	"evidenced/internal/replica"
	"evidenced/internal/rules"
	"evidenced/internal/storage"
	"evidenced/internal/store"
)

var (
	// Version information (set at build time)
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "configuration file (TOML, JSON, or YAML)")
	logLevel := flag.String("log-level", "", "override the configured log level")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("evidenced %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "evidenced: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := newLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()

	log.Info("starting evidenced", "version", version)

	secret, err := cfg.Storage.MasterSecret()
	if err != nil {
		return err
	}

	local, err := store.Open(cfg.Storage.Path, secret)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer local.Close()
	log.Info("local store open", "path", cfg.Storage.Path, "row_macs", secret != nil)

	var mirror store.Gateway
	if cfg.Replica.Enabled {
		sync := replica.New(replica.Config{
			Addr:     cfg.Replica.Addr,
			Password: cfg.Replica.Password,
			DB:       cfg.Replica.DB,
			Timeout:  cfg.Replica.ReplicaTimeout(),
		})
		if err := sync.Ping(context.Background()); err != nil {
			// Replication is best-effort: an unreachable replica at boot
			// is logged, not fatal.
			log.Warn("replica unreachable at startup", "addr", cfg.Replica.Addr, "error", err)
		} else {
			log.Info("replica connected", "addr", cfg.Replica.Addr)
		}
		mirror = sync
		defer sync.Close()
	}

	manager := storage.NewManager(local, mirror, nil, log.WithComponent("storage"))

	if cfg.Rules.CatalogPath != "" {
		catalog, err := rules.Load(cfg.Rules.CatalogPath)
		if err != nil {
			return fmt.Errorf("load rule catalog: %w", err)
		}
		log.Info("rule catalog loaded", "path", cfg.Rules.CatalogPath,
			"rules", len(catalog.Rules), "brains", len(catalog.ByBrain()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.Intake.Dirs) > 0 {
		watcher, err := intake.New(cfg.Intake.Dirs, cfg.Intake.Debounce())
		if err != nil {
			return fmt.Errorf("create intake watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start intake watcher: %w", err)
		}
		defer watcher.Stop()
		log.Info("intake watching", "dirs", cfg.Intake.Dirs)

		go ingestLoop(ctx, watcher, manager, cfg.Intake.DefaultCase, log.WithComponent("intake"))
	}

	<-ctx.Done()
	log.Info("shutting down")
	manager.WaitForReplication()
	return nil
}

// ingestLoop drains the intake watcher into the storage manager. The case
// id comes from the drop directory's name unless a default case overrides
// it.
func ingestLoop(ctx context.Context, w *intake.Watcher, m *storage.Manager, defaultCase string, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return

		case a, ok := <-w.Arrivals():
			if !ok {
				return
			}
			caseID := defaultCase
			if caseID == "" {
				caseID = filepath.Base(filepath.Dir(a.Path))
			}

			payload, err := os.ReadFile(a.Path)
			if err != nil {
				log.Error("read arrived evidence", "path", a.Path, "error", err)
				continue
			}

			meta := map[string]string{"source_path": a.Path}
			if _, err := m.SaveEvidence(ctx, caseID, a.Name, a.Type, payload, meta); err != nil {
				log.Error("persist evidence", "case_id", caseID, "file", a.Name, "error", err)
				continue
			}
			log.Info("evidence ingested", "case_id", caseID, "file", a.Name,
				"size", a.Size, "digest", a.Digest)

		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			log.Warn("intake error", "error", err)
		}
	}
}

func newLogger(lc *config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    lc.Output,
		FilePath:  lc.FilePath,
		Component: "evidenced",
	})
}
