package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/auditledger/pkg/audit/archive"
	"github.com/platinummonkey/auditledger/pkg/audit/catalog"
	"github.com/platinummonkey/auditledger/pkg/audit/dedup"
	"github.com/platinummonkey/auditledger/pkg/audit/diff"
	"github.com/platinummonkey/auditledger/pkg/audit/forward"
	"github.com/platinummonkey/auditledger/pkg/audit/rules"
	"github.com/platinummonkey/auditledger/pkg/audit/store"
	"github.com/platinummonkey/auditledger/pkg/config"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

// database is an open SQL connection and its dialect; db is nil for the
// memory store
type database struct {
	db      *sql.DB
	dialect store.Dialect
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, *database, error) {
	var driver, dsn string
	switch cfg.Type {
	case config.StorageMemory:
		return store.NewMemoryStore(), nil, nil
	case config.StoragePostgres:
		driver, dsn = "postgres", cfg.PostgresURL
	case config.StorageSQLite:
		driver, dsn = "sqlite3", cfg.SQLitePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}

	dialect, err := store.DialectFor(driver)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.Type == config.StorageSQLite {
		// one writer keeps sqlite from returning SQLITE_BUSY under load
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlStore, err := store.NewSQLStore(db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := sqlStore.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	return sqlStore, &database{db: db, dialect: dialect}, nil
}

func reportDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			metrics.ObserveDBStats(db.Stats())
		}
	}
}

func loadCatalog(cfg config.LedgerConfig) (*catalog.Catalog, error) {
	if cfg.CatalogFile == "" {
		return catalog.Default, nil
	}
	cat, err := catalog.LoadFile(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load action catalog: %w", err)
	}
	return cat, nil
}

// classification is the hot-reloaded request classification state
type classification struct {
	engine     *rules.Engine
	dictionary diff.Source
	scheduler  *rules.Scheduler
}

func startClassification(ctx context.Context, cfg config.RulesConfig, db *database, logger *observability.Logger, metrics *observability.Metrics) (*classification, error) {
	var (
		source     rules.Source = rules.StaticSource(nil)
		fileSource *rules.FileSource
	)
	switch cfg.Source {
	case config.RulesSQL:
		if db == nil {
			return nil, fmt.Errorf("sql rule source requires a database")
		}
		source = rules.NewSQLSource(db.db, db.dialect)
	case config.RulesFile:
		fileSource = rules.NewFileSource(cfg.File, logger)
		source = fileSource
	}

	c := &classification{
		engine: rules.NewEngine(source,
			rules.WithLogger(logger),
			rules.WithMetrics(metrics),
			rules.WithCacheSize(cfg.CacheSize),
		),
		scheduler: rules.NewScheduler(cfg.ReloadInterval, logger, metrics),
	}
	if cfg.Source != config.RulesOff {
		c.scheduler.Add(c.engine)
	}

	var dictionary *diff.FileProvider
	if cfg.DictionaryFile != "" {
		dictionary = diff.NewFileProvider(cfg.DictionaryFile, logger)
		c.scheduler.Add(dictionary)
		c.dictionary = dictionary
	} else {
		c.dictionary = diff.NewProvider(nil)
	}

	if err := c.scheduler.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start reload scheduler: %w", err)
	}

	if cfg.Watch {
		if fileSource != nil {
			err := fileSource.Watch(ctx, func() { c.scheduler.Trigger(ctx, c.engine.Name()) })
			if err != nil {
				logger.WithError(err).Warn("rules file watch disabled")
			}
		}
		if dictionary != nil {
			if err := dictionary.Watch(ctx); err != nil {
				logger.WithError(err).Warn("dictionary file watch disabled")
			}
		}
	}
	return c, nil
}

func openGate(cfg config.DedupConfig, health *observability.HealthChecker, shutdown *observability.ShutdownManager) (dedup.Gate, error) {
	gateCfg, err := cfg.GateConfig()
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case config.DedupOff:
		return dedup.Nop{}, nil
	case config.DedupRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		if cfg.RedisPassword != "" {
			opts.Password = cfg.RedisPassword
		}
		if cfg.RedisDB > 0 {
			opts.DB = cfg.RedisDB
		}
		if cfg.RedisPoolSize > 0 {
			opts.PoolSize = cfg.RedisPoolSize
		}
		client := redis.NewClient(opts)
		health.AddRedis(client)
		shutdown.Register("redis", func(context.Context) error { return client.Close() })
		return dedup.NewRedisGate(client, gateCfg), nil
	default:
		return dedup.NewMemoryGate(gateCfg), nil
	}
}

func openForwarder(cfg config.ForwarderConfig) (forward.Forwarder, error) {
	var hooks forward.Multi
	for _, wc := range cfg.WebhookConfigs() {
		wh, err := forward.NewWebhookForwarder(wc)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook forwarder for %s: %w", wc.URL, err)
		}
		hooks = append(hooks, wh)
	}
	if len(hooks) == 1 {
		return hooks[0], nil
	}
	return hooks, nil
}

func openArchiver(ctx context.Context, cfg config.ArchiveConfig, logger *observability.Logger, health *observability.HealthChecker) (*archive.S3Archiver, error) {
	arch, err := archive.NewS3Archiver(ctx, cfg.S3Config(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 archiver: %w", err)
	}
	// purges abort without an archive, but reads keep working
	health.Add("s3", false, arch.HealthCheck)
	return arch, nil
}
