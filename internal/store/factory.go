package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/relay/internal/config"
	"github.com/syntrixbase/relay/internal/notify"
	memorystore "github.com/syntrixbase/relay/internal/store/memory"
	mongostore "github.com/syntrixbase/relay/internal/store/mongo"
	pgstore "github.com/syntrixbase/relay/internal/store/postgres"
	stypes "github.com/syntrixbase/relay/internal/store/types"
)

const connectTimeout = 10 * time.Second

// Open builds the configured ledger backend, wiring in the configured
// notification channel. The returned Store owns every connection it opened.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	policy := stypes.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.RetryBaseDelay.Std(),
		MaxDelay:    cfg.Queue.RetryMaxDelay.Std(),
	}
	pollInterval := cfg.Queue.PollInterval.Std()

	notifier, err := openNotifier(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Storage.Backend {
	case "postgres":
		return openPostgres(cfg, policy, pollInterval, notifier)
	case "mongo":
		return openMongo(ctx, cfg, policy, pollInterval, notifier)
	case "memory":
		return memorystore.New(memorystore.Options{
			Policy:       policy,
			PollInterval: pollInterval,
			Notifier:     notifier,
		}), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}
}

// openNotifier builds the configured notifier. "storage" returns nil,
// meaning the ledger backend should use its native channel or an
// in-process fallback.
func openNotifier(cfg *config.Config) (notify.Notifier, error) {
	switch cfg.Notify.Backend {
	case "storage":
		return nil, nil
	case "memory":
		return notify.NewMemory(), nil
	case "nats":
		return notify.NewNATS(cfg.Notify.NATS.URL, cfg.Notify.NATS.Subject)
	default:
		return nil, fmt.Errorf("unknown notify backend: %q", cfg.Notify.Backend)
	}
}

func openPostgres(cfg *config.Config, policy stypes.RetryPolicy, pollInterval time.Duration, notifier notify.Notifier) (Store, error) {
	db, err := sql.Open("postgres", cfg.Storage.Postgres.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pgstore.EnsureSchema(db, cfg.Storage.Postgres.TableName); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	s, err := pgstore.New(db, pgstore.Options{
		URI:          cfg.Storage.Postgres.URI,
		TableName:    cfg.Storage.Postgres.TableName,
		Policy:       policy,
		PollInterval: pollInterval,
		Notifier:     notifier,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ownedStore{Store: s, closers: []func() error{db.Close}}, nil
}

func openMongo(ctx context.Context, cfg *config.Config, policy stypes.RetryPolicy, pollInterval time.Duration, notifier notify.Notifier) (Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongodrv.Connect(connectCtx, mongoopts.Client().ApplyURI(cfg.Storage.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := mongostore.New(client.Database(cfg.Storage.Mongo.Database), mongostore.Options{
		Collection:   cfg.Storage.Mongo.Collection,
		Policy:       policy,
		PollInterval: pollInterval,
		Notifier:     notifier,
	})
	if err := s.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}

	disconnect := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return client.Disconnect(shutdownCtx)
	}
	return &ownedStore{Store: s, closers: []func() error{disconnect}}, nil
}

// ownedStore closes the connections the factory opened along with the store.
type ownedStore struct {
	Store
	closers []func() error
}

func (o *ownedStore) Close() error {
	err := o.Store.Close()
	for _, closeFn := range o.closers {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
