package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jmcleod/ironca/internal/config"
	"github.com/jmcleod/ironca/keystore"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	bboltstorage "github.com/jmcleod/ironca/storage/bbolt"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/jmcleod/ironca/storage/postgres"
	"github.com/jmcleod/ironca/storage/sqlite"
)

// app is everything a command needs, built from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	ca       *pki.Authority
	registry *prometheus.Registry
	closers  []func() error
}

func (rt *app) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}

func errInvalidPrincipal(p pki.Principal) error {
	return fmt.Errorf("invalid principal %q with role %q", p.ID, p.Role)
}

// openApp loads the configuration and opens storage, custody and the
// authority. The caller must Close the result.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, logger: cfg.Logger()}
	if err := rt.open(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *app) open(ctx context.Context) error {
	repo, boltStore, err := rt.openStorage(ctx)
	if err != nil {
		return err
	}
	backend, err := rt.openKeystoreBackend(boltStore)
	if err != nil {
		return err
	}
	wrapper, err := rt.cfg.Wrapper()
	if err != nil {
		return fmt.Errorf("failed to load master key: %w", err)
	}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt.ca, err = pki.New(repo, keystore.New(backend, wrapper, rt.logger),
		pki.WithLogger(rt.logger),
		pki.WithPolicy(rt.cfg.Policy()),
		pki.WithTemplates(rt.cfg.Templates...),
		pki.WithMetrics(pki.NewMetrics(rt.registry)),
		pki.WithAlertFunc(func(e pki.AlertEvent) {
			rt.logger.Warn("security alert",
				"type", string(e.Type),
				"message", e.Message,
				"count", e.Count,
				"threshold", e.Threshold,
			)
		}),
	)
	return err
}

func (rt *app) openStorage(ctx context.Context) (storage.Repository, *bboltstorage.Store, error) {
	sc := rt.cfg.Storage
	switch sc.Driver {
	case config.StorageMemory:
		return memory.NewRepository(), nil, nil
	case config.StorageBolt:
		if err := ensureDir(sc.Path); err != nil {
			return nil, nil, err
		}
		store, err := bboltstorage.NewRepositoryFromFile(sc.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open certificate storage: %w", err)
		}
		rt.closers = append(rt.closers, store.Close)
		return store, store, nil
	case config.StorageSQLite:
		if err := ensureDir(sc.Path); err != nil {
			return nil, nil, err
		}
		store, err := sqlite.Open(sc.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open certificate storage: %w", err)
		}
		rt.closers = append(rt.closers, store.Close)
		return store, nil, nil
	case config.StoragePostgres:
		store, err := postgres.NewRepositoryFromDSN(ctx, sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open certificate storage: %w", err)
		}
		rt.closers = append(rt.closers, func() error { store.Close(); return nil })
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", sc.Driver)
	}
}

func (rt *app) openKeystoreBackend(boltStore *bboltstorage.Store) (keystore.Backend, error) {
	kc := rt.cfg.Keystore
	switch kc.Driver {
	case config.KeystoreFile:
		if err := ensureDir(kc.Path); err != nil {
			return nil, err
		}
		backend, err := keystore.OpenFile(kc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open keystore: %w", err)
		}
		return backend, nil
	case config.KeystoreBolt:
		if boltStore == nil {
			return nil, errors.New("bbolt keystore requires bbolt storage")
		}
		return keystore.NewBoltBackend(boltStore.DB())
	default:
		return nil, fmt.Errorf("unsupported keystore driver %q", kc.Driver)
	}
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}
