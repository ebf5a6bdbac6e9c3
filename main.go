package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/bluesky-social/indigo/util/cliutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm/logger"

	"github.com/moodring/moodring/broker"
	"github.com/moodring/moodring/cursor"
	"github.com/moodring/moodring/jetstream"
	"github.com/moodring/moodring/jobs"
	"github.com/moodring/moodring/jobstore"
	"github.com/moodring/moodring/manager"
	"github.com/moodring/moodring/resolver"
)

func main() {
	app := cli.App{
		Name:  "moodring",
		Usage: "real-time bluesky ingestion for sentiment jobs",
	}

	app.Flags = appFlags
	app.Action = runService

	app.RunAndExitOnError()
}

// Millisecond-valued options take millisecond integers from the
// environment, e.g. JETSTREAM_RECONNECT_INITIAL_BACKOFF_MS=1000.
var appFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "jetstream-endpoint",
		EnvVars: []string{"JETSTREAM_ENDPOINT"},
		Value:   "wss://jetstream1.us-east.bsky.network/subscribe",
	},
	&cli.BoolFlag{
		Name:    "jetstream-compress",
		EnvVars: []string{"JETSTREAM_COMPRESS"},
	},
	&cli.IntFlag{
		Name:    "max-reconnect-attempts",
		EnvVars: []string{"JETSTREAM_RECONNECT_MAX_ATTEMPTS"},
		Value:   10,
	},
	&cli.Int64Flag{
		Name:    "reconnect-initial-backoff-ms",
		EnvVars: []string{"JETSTREAM_RECONNECT_INITIAL_BACKOFF_MS"},
		Value:   1000,
	},
	&cli.Int64Flag{
		Name:    "reconnect-max-backoff-ms",
		EnvVars: []string{"JETSTREAM_RECONNECT_MAX_BACKOFF_MS"},
		Value:   30_000,
	},
	&cli.DurationFlag{
		Name:    "inactivity-timeout",
		EnvVars: []string{"JETSTREAM_INACTIVITY_TIMEOUT"},
		Value:   30 * time.Second,
	},
	&cli.Int64Flag{
		Name:    "max-job-duration-ms",
		EnvVars: []string{"JETSTREAM_MAX_DURATION_MS"},
		Value:   300_000,
	},
	&cli.DurationFlag{
		Name:    "grace-window",
		EnvVars: []string{"JETSTREAM_GRACE_WINDOW"},
	},
	&cli.StringFlag{
		Name:    "cursor-backend",
		EnvVars: []string{"JETSTREAM_CURSOR_PERSISTENCE"},
		Value:   cursor.BackendMemory,
		Usage:   "memory, file, or remote-kv",
	},
	&cli.StringFlag{
		Name:    "cursor-file",
		EnvVars: []string{"JETSTREAM_CURSOR_FILE_PATH"},
		Value:   "data/jetstream-cursor.json",
	},
	&cli.Int64Flag{
		Name:    "cursor-autosave-ms",
		EnvVars: []string{"JETSTREAM_CURSOR_AUTO_SAVE_MS"},
		Value:   5000,
	},
	&cli.IntFlag{
		Name:    "job-queue-size",
		EnvVars: []string{"JOB_QUEUE_SIZE"},
		Value:   256,
	},
	&cli.DurationFlag{
		Name:    "data-update-interval",
		EnvVars: []string{"JOB_DATA_UPDATE_INTERVAL"},
		Value:   10 * time.Second,
	},
	&cli.StringFlag{
		Name:    "resolver-api",
		EnvVars: []string{"DID_RESOLVER_API_BASE_URL"},
		Value:   "https://public.api.bsky.app",
	},
	&cli.IntFlag{
		Name:    "resolver-cache-size",
		EnvVars: []string{"DID_RESOLVER_MAX_CACHE_SIZE"},
		Value:   10_000,
	},
	&cli.Int64Flag{
		Name:    "resolver-cache-ttl-ms",
		EnvVars: []string{"DID_RESOLVER_CACHE_TTL_MS"},
		Value:   3_600_000,
	},
	&cli.IntFlag{
		Name:    "resolver-batch-size",
		EnvVars: []string{"DID_RESOLVER_BATCH_SIZE"},
		Value:   25,
	},
	&cli.Int64Flag{
		Name:    "resolver-timeout-ms",
		EnvVars: []string{"DID_RESOLVER_REQUEST_TIMEOUT_MS"},
		Value:   5000,
	},
	&cli.StringFlag{
		Name:    "nats-url",
		EnvVars: []string{"NATS_URL"},
	},
	&cli.StringFlag{
		Name:    "db-url",
		EnvVars: []string{"DATABASE_URL"},
	},
	&cli.IntFlag{
		Name:  "max-db-connections",
		Value: runtime.NumCPU(),
	},
	&cli.StringFlag{
		Name:    "api-bind",
		EnvVars: []string{"API_BIND"},
		Value:   ":4444",
	},
	&cli.StringFlag{
		Name:    "metrics-bind",
		EnvVars: []string{"METRICS_BIND"},
		Value:   ":4445",
	},
}

func msFlag(cctx *cli.Context, name string) time.Duration {
	return time.Duration(cctx.Int64(name)) * time.Millisecond
}

func runService(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(slogger)

	curStore, err := cursor.NewStore(cctx.String("cursor-backend"), cctx.String("cursor-file"))
	if err != nil {
		return err
	}
	flusher := cursor.NewFlusher(curStore, msFlag(cctx, "cursor-autosave-ms"), slogger)

	jcfg := jetstream.DefaultConfig()
	jcfg.Endpoint = cctx.String("jetstream-endpoint")
	jcfg.Compress = cctx.Bool("jetstream-compress")
	jcfg.MaxReconnectAttempts = cctx.Int("max-reconnect-attempts")
	jcfg.InitialBackoff = msFlag(cctx, "reconnect-initial-backoff-ms")
	jcfg.MaxBackoff = msFlag(cctx, "reconnect-max-backoff-ms")
	jcfg.InactivityTimeout = cctx.Duration("inactivity-timeout")

	client, err := jetstream.NewClient(jcfg, slogger, flusher)
	if err != nil {
		return err
	}

	registry := jobs.NewRegistry(cctx.Int("job-queue-size"), slogger)
	router := jobs.NewRouter(registry, slogger)

	rcfg := resolver.DefaultConfig()
	rcfg.APIBase = cctx.String("resolver-api")
	rcfg.MaxCacheSize = cctx.Int("resolver-cache-size")
	rcfg.CacheTTL = msFlag(cctx, "resolver-cache-ttl-ms")
	rcfg.BatchSize = cctx.Int("resolver-batch-size")
	rcfg.RequestTimeout = msFlag(cctx, "resolver-timeout-ms")

	res, err := resolver.New(rcfg, slogger)
	if err != nil {
		return err
	}
	res.Start(ctx)

	var emitter broker.Emitter
	var nb *broker.NATSBroker
	if natsURL := cctx.String("nats-url"); natsURL != "" {
		nb, err = broker.NewNATSBroker(ctx, natsURL, slogger)
		if err != nil {
			return err
		}
		defer nb.Close()
		emitter = nb
	} else {
		slogger.Warn("no nats url configured, envelopes will be logged and dropped")
		emitter = broker.NewLogEmitter(slogger)
	}

	store, err := setupJobStore(ctx, cctx)
	if err != nil {
		return err
	}

	mcfg := manager.Config{
		MaxJobDuration:     msFlag(cctx, "max-job-duration-ms"),
		GraceWindow:        cctx.Duration("grace-window"),
		DataUpdateInterval: cctx.Duration("data-update-interval"),
	}
	mgr := manager.NewManager(mcfg, client, registry, router, emitter, res, store, flusher, slogger)
	mgr.Start(ctx)

	if nb != nil {
		stopConsume, err := nb.Consume(ctx, broker.QueueIngestion, "moodring-ingestion", mgr.BrokerHandler())
		if err != nil {
			return err
		}
		defer stopConsume()
	}

	go func() {
		tick := time.NewTicker(30 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				emitter.Emit(ctx, broker.PatternHealthCheck, broker.HealthCheckPayload{
					Service:   "moodring",
					Timestamp: time.Now().UTC(),
				})
			case <-ctx.Done():
				return
			}
		}
	}()

	s := &Server{
		mgr:      mgr,
		client:   client,
		resolver: res,
		flusher:  flusher,
		log:      slogger,
	}

	go func() {
		if err := s.runApiServer(cctx.String("api-bind")); err != nil {
			fmt.Println("failed to start api server: ", err)
		}
	}()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		http.ListenAndServe(cctx.String("metrics-bind"), nil)
	}()

	slogger.Info("moodring started",
		"endpoint", jcfg.Endpoint,
		"cursor_backend", cctx.String("cursor-backend"),
		"api", cctx.String("api-bind"))

	<-ctx.Done()
	slogger.Info("shutting down")
	mgr.Shutdown(context.Background())
	return nil
}

func setupJobStore(ctx context.Context, cctx *cli.Context) (jobstore.Store, error) {
	dbURL := cctx.String("db-url")
	if dbURL == "" {
		slog.Warn("no database url configured, job records will not be persisted")
		return jobstore.NopStore{}, nil
	}

	db, err := cliutil.SetupDatabase(dbURL, cctx.Int("max-db-connections"))
	if err != nil {
		return nil, err
	}

	db.Logger = logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: false,
		Colorful:                  true,
	})

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns < 8 {
		cfg.MaxConns = 8
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return jobstore.NewPostgresStore(db, pool)
}
