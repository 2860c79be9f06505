package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/review-crawler/internal/browser"
	"github.com/maltedev/review-crawler/internal/config"
	"github.com/maltedev/review-crawler/internal/database"
	"github.com/maltedev/review-crawler/internal/fetch"
	"github.com/maltedev/review-crawler/internal/httpclient"
	"github.com/maltedev/review-crawler/internal/identity"
	"github.com/maltedev/review-crawler/internal/metrics"
	"github.com/maltedev/review-crawler/internal/models"
	"github.com/maltedev/review-crawler/internal/output"
	"github.com/maltedev/review-crawler/internal/playstore"
	"github.com/maltedev/review-crawler/internal/random"
	"github.com/maltedev/review-crawler/internal/ratelimit"
	"github.com/maltedev/review-crawler/internal/steam"
	"github.com/maltedev/review-crawler/internal/storage"
)

// Deps is everything a command needs, built once at startup.
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Random     *random.Source
	Identities *identity.Pool
	State      *storage.TargetStore
	DB         *database.DB
	Redis      *redis.Client
	Relay      *database.Relay
	Reviews    *database.ReviewRepository
	Runner     *Runner
	Jobs       *Jobs

	closers []func() error
}

func NewDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	d := &Deps{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		Jobs:    NewJobs(logger),
	}

	if cfg.Crawler.Seed != 0 {
		d.Random = random.New(cfg.Crawler.Seed)
	} else {
		d.Random = random.NewTimeSeeded()
	}

	proxies, err := identity.LoadProxies(cfg.Crawler.ProxyFile, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load proxies: %w", err)
	}
	d.Identities = identity.NewPool(d.Random, proxies)
	logger.Info("identity pool ready", "proxies", d.Identities.Size())

	d.State, err = storage.NewTargetStore(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load state file: %w", err)
	}

	client, err := httpclient.New(httpClientConfig(cfg.HTTP), d.Identities, d.Random,
		httpclient.WithMetrics(d.Metrics),
		httpclient.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	engine := fetch.NewEngine(fetch.Config{
		Partitions: cfg.Steam.Languages,
		PageSize:   cfg.Steam.PageSize,
		Source:     models.SourceSteam,
	}, client, steam.NewExtractor(cfg.Steam.BaseURL, cfg.Steam.LatinOnly), d.Metrics, logger)

	if cfg.Database.Enabled {
		if err := d.openDatabase(ctx); err != nil {
			d.Close()
			return nil, err
		}
	}

	if cfg.Redis.Enabled {
		if err := d.openRelay(ctx); err != nil {
			d.Close()
			return nil, err
		}
	}

	d.Runner = NewRunner(engine, d.playSession, d.State, RunnerConfig{
		Concurrency:  cfg.Crawler.Concurrency,
		PerAppCSVDir: cfg.PlayStore.PerAppCSVDir,
	}, logger)

	return d, nil
}

func httpClientConfig(c config.HTTPConfig) httpclient.Config {
	return httpclient.Config{
		MaxAttempts:        c.MaxAttempts,
		PreRequestDelay:    ratelimit.Range{Min: c.DelayMin, Max: c.DelayMax},
		RateLimitedBackoff: ratelimit.Range{Min: c.RateLimitedMin, Max: c.RateLimitedMax},
		FailureBackoff:     ratelimit.Range{Min: c.FailureMin, Max: c.FailureMax},
		Timeout:            c.Timeout,
		RequestsPerSecond:  c.RequestsPerSecond,
		ClientCacheSize:    c.ClientCacheSize,
	}
}

func (d *Deps) openDatabase(ctx context.Context) error {
	c := d.Config.Database
	db, err := database.New(ctx, database.Config{
		URL:      c.URL,
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.DBName,
		MaxConns: int32(c.MaxConns),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	d.DB = db
	d.Reviews = database.NewReviewRepository(db, d.Config.Redis.Stream, d.Logger)
	d.onClose(func() error { db.Close(); return nil })

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	d.Logger.Info("connected to database")
	return nil
}

func (d *Deps) openRelay(ctx context.Context) error {
	c := d.Config.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	d.onClose(client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	d.Redis = client

	if d.DB != nil {
		d.Relay = database.NewRelay(d.DB, client, d.Metrics, d.Logger, database.RelayConfig{
			PollInterval: c.RelayInterval,
			BatchSize:    c.RelayBatchSize,
			MaxLen:       c.StreamMaxLen,
			Retry:        database.RetryPolicy{MaxAttempts: c.RelayMaxAttempts},
		})
	}
	d.Logger.Info("connected to redis", "addr", c.Addr)
	return nil
}

// playSession launches a stealth browser and wraps it in a Play store
// crawler.
func (d *Deps) playSession(ctx context.Context) (AppCrawler, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	b := d.Config.Browser
	session, err := browser.New(&browser.Options{
		Headless:          b.Headless,
		NavigationTimeout: b.NavigationTimeout,
		ActionTimeout:     b.ActionTimeout,
		AcceptLanguage:    b.AcceptLanguage,
		Locale:            b.Locale,
		TimezoneID:        b.TimezoneID,
	}, d.Identities, d.Random)
	if err != nil {
		return nil, nil, err
	}

	p := d.Config.PlayStore
	crawler := playstore.NewCrawler(session, d.Random,
		playstore.MachineConfig{
			Ratings:          playstore.DefaultMachineConfig().Ratings,
			TargetPerRating:  p.TargetPerRating,
			ReviewsPerScroll: p.ReviewsPerScroll,
			ChallengeEvery:   p.ChallengeEvery,
		},
		playstore.DriverConfig{
			SearchEntryChance: b.SearchEntryChance,
			WanderChance:      b.WanderChance,
			PanelTimeout:      b.ActionTimeout,
			ScrollWait:        p.ScrollWait,
			ScrollPoll:        p.ScrollPoll,
		},
		d.Metrics, d.Logger)

	return crawler, session.Close, nil
}

// OpenSink builds the output chain for one run of source: the CSV file plus
// the stores returned by OpenStores.
func (d *Deps) OpenSink(ctx context.Context, source models.Source) (output.Sink, error) {
	path := d.Config.Output.SteamCSVPath
	if source == models.SourcePlayStore {
		path = d.Config.Output.PlayStoreCSVPath
	}

	stores, err := d.OpenStores(ctx)
	if err != nil {
		return nil, err
	}
	csvWriter, err := output.NewCSVWriter(path)
	if err != nil {
		stores.Close()
		return nil, err
	}
	return output.NewMultiSink(csvWriter, stores), nil
}

// OpenStores returns whichever of Postgres and Elasticsearch are enabled.
// The result may be empty.
func (d *Deps) OpenStores(ctx context.Context) (*output.MultiSink, error) {
	var sinks []output.Sink
	if d.Reviews != nil {
		sinks = append(sinks, d.Reviews)
	}

	if es := d.Config.Elasticsearch; es.Enabled {
		esSink, err := output.NewElasticsearchSink(elasticsearch.Config{
			Addresses: es.Addresses,
			Username:  es.Username,
			Password:  es.Password,
		}, output.IndexName(es.Index, time.Now()), d.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
		}
		if err := esSink.EnsureIndex(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, esSink)
	}

	return output.NewMultiSink(sinks...), nil
}

// IDs reads the configured id file of source.
func (d *Deps) IDs(source models.Source) ([]string, error) {
	path := d.Config.Crawler.SteamIDFile
	if source == models.SourcePlayStore {
		path = d.Config.Crawler.PlayStoreIDFile
	}
	return ReadIDFile(path)
}

func (d *Deps) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
