package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/StefanGrimminck/Haze/internal/admission"
	"github.com/StefanGrimminck/Haze/internal/api"
	"github.com/StefanGrimminck/Haze/internal/audit"
	"github.com/StefanGrimminck/Haze/internal/auth"
	"github.com/StefanGrimminck/Haze/internal/catalog"
	"github.com/StefanGrimminck/Haze/internal/config"
	"github.com/StefanGrimminck/Haze/internal/enrich"
	"github.com/StefanGrimminck/Haze/internal/ingest"
	"github.com/StefanGrimminck/Haze/internal/measurement"
	"github.com/StefanGrimminck/Haze/internal/output"
	"github.com/StefanGrimminck/Haze/internal/quota"
	"github.com/StefanGrimminck/Haze/internal/ratelimit"
	"github.com/StefanGrimminck/Haze/internal/region"
	"github.com/StefanGrimminck/Haze/internal/server"
	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "haze.toml", "Path to config file (TOML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Don't log token or config content
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("haze")
		os.Exit(1)
	}
	log.Info().Msg("stopped")
}

func newLogger(c config.LoggingConfig) zerolog.Logger {
	logLevel := zerolog.InfoLevel
	switch c.Level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	if c.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	var (
		promReg          prometheus.Registerer
		metricsHandler   http.Handler
		catalogMetrics   *catalog.Metrics
		admissionMetrics *admission.Metrics
		auditMetrics     *audit.Metrics
		ingestMetrics    *ingest.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		reg := prometheus.NewRegistry()
		promReg = reg
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		catalogMetrics = catalog.NewMetrics(promReg)
		admissionMetrics = admission.NewMetrics(promReg)
		auditMetrics = audit.NewMetrics(promReg)
		ingestMetrics = ingest.NewMetrics(promReg)
	}

	// Region catalog
	var src catalog.Source
	switch cfg.Catalog.Source {
	case "http":
		src = catalog.NewHTTPSource(
			cfg.Catalog.URL,
			&http.Client{Timeout: config.Seconds(cfg.Catalog.FetchTimeoutSeconds)},
			catalog.Backoff{
				MaxRetries:      cfg.Catalog.MaxRetries,
				InitialInterval: config.Millis(cfg.Catalog.InitialBackoffMS),
				MaxInterval:     config.Millis(cfg.Catalog.MaxBackoffMS),
			},
			cfg.Catalog.BreakerFailures,
			config.Seconds(cfg.Catalog.BreakerOpenSeconds),
			log,
			catalogMetrics,
		)
	default:
		src = catalog.FileSource{Path: cfg.Catalog.Path}
	}
	regions := catalog.New(src, catalog.Config{
		RefreshInterval: config.Seconds(cfg.Catalog.RefreshIntervalSeconds),
		FetchTimeout:    config.Seconds(cfg.Catalog.FetchTimeoutSeconds),
		WaitForRefresh:  cfg.Catalog.WaitForRefresh,
		Load: region.LoadOptions{
			StrictIntervals: cfg.Catalog.StrictIntervals,
			DefaultHumidity: cfg.Catalog.DefaultHumidity,
		},
	}, log, catalogMetrics)
	if err := regions.Refresh(ctx); err != nil {
		// Not fatal: requests retry the load and /ready reports the cold start.
		log.Warn().Err(err).Msg("initial catalog load failed")
	}
	go regions.Run(ctx)

	// Quota ledger
	var (
		store    quota.Store
		badgerDB *badger.DB
	)
	switch cfg.Quota.Store {
	case "memory":
		store = quota.NewMemoryStore()
	default:
		db, err := quota.OpenBadger(cfg.Quota.BadgerDir, log)
		if err != nil {
			return err
		}
		badgerDB = db
		store = quota.NewBadgerStore(db)
	}
	defer func() {
		if badgerDB == nil {
			return
		}
		if err := badgerDB.Close(); err != nil {
			log.Warn().Err(err).Msg("quota store close")
		}
	}()
	ledger := quota.NewLedger(store, quota.LedgerOptions{MaxRetries: cfg.Quota.CommitMaxRetries}, log)
	if cfg.Quota.ResetEnabled {
		sched := quota.NewResetScheduler(ledger, config.Seconds(cfg.Quota.ResetTimeoutSeconds), log)
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
		log.Info().Time("next_reset", sched.NextRun()).Msg("quota reset scheduled")
	}

	// Measurements
	var readings measurement.Store
	switch cfg.Storage.Type {
	case "memory":
		readings = measurement.NewMemoryStore()
	default:
		db, err := measurement.OpenDuckDB(ctx, cfg.Storage.DuckDBPath, cfg.Storage.Table)
		if err != nil {
			return err
		}
		readings = db
	}
	defer func() {
		if err := readings.Close(); err != nil {
			log.Warn().Err(err).Msg("measurement store close")
		}
	}()

	// Audit trail: enrichment plus output writer
	var (
		auditor  admission.Auditor
		enricher *enrich.Enricher
	)
	if cfg.Audit.Enabled {
		var dnsEnricher *enrich.DNSEnricher
		if cfg.Audit.Enrichment.DNS.Enabled {
			ttl := cfg.Audit.Enrichment.DNS.CacheTTL
			if ttl <= 0 {
				ttl = 300
			}
			dnsEnricher = enrich.NewDNSEnricher(config.Seconds(ttl), cfg.Audit.Enrichment.DNS.MaxQPS)
		}
		e, err := enrich.NewEnricher(cfg.Audit.Enrichment.GeoIPDBPath, cfg.Audit.Enrichment.ASNDBPath, dnsEnricher, log)
		if err != nil {
			return err
		}
		enricher = e
		defer func() {
			if err := enricher.Close(); err != nil {
				log.Warn().Err(err).Msg("enricher close")
			}
		}()

		oc := cfg.Audit.Output
		out, err := output.NewWriter(output.WriterConfig{
			Type:               oc.Type,
			ElasticsearchURL:   oc.ElasticsearchURL,
			ElasticsearchIndex: oc.ElasticsearchIndex,
			ElasticsearchUser:  oc.ElasticsearchUser,
			ElasticsearchPass:  oc.ElasticsearchPass,
			BatchSize:          oc.BatchSize,
			FlushInterval:      config.Seconds(oc.FlushIntervalSeconds),
			Timeout:            config.Seconds(oc.TimeoutSeconds),
			Outbox: output.OutboxConfig{
				Enabled:         oc.Outbox.Enabled,
				Dir:             oc.Outbox.Dir,
				MaxBytes:        oc.Outbox.MaxBytes,
				MaxBatchSize:    oc.Outbox.MaxBatchSize,
				RetryBackoff:    config.Millis(oc.Outbox.RetryBackoffMS),
				RetryMaxBackoff: config.Millis(oc.Outbox.RetryMaxBackoffMS),
			},
			Log: log,
		})
		if err != nil {
			return err
		}
		recorder := audit.NewRecorder(out, enricher, cfg.Audit.QueueSize, log, auditMetrics)
		// Closes the output writer after draining the queue.
		defer func() {
			if err := recorder.Close(); err != nil {
				log.Warn().Err(err).Msg("audit close")
			}
		}()
		auditor = recorder
	}

	gate := admission.New(admission.Config{
		TrustedPeers:  cfg.Admission.TrustedPeers,
		LedgerTimeout: config.Millis(cfg.Admission.LedgerTimeoutMS),
		CommitTimeout: config.Millis(cfg.Admission.CommitTimeoutMS),
	}, ledger, auditor, log, admissionMetrics)

	apiHandler := &api.Handler{
		Readings:     readings,
		Regions:      regions,
		Ledger:       ledger,
		Admins:       auth.NewValidator(cfg.Admin.Tokens),
		Admission:    gate,
		QueryTimeout: config.Seconds(cfg.Storage.QueryTimeoutSeconds),
		MaxRadius:    cfg.Limits.MaxRadiusMeters,
		Log:          log,
	}

	var ingestHandler http.Handler
	if cfg.Ingest.Enabled {
		ingestHandler = &ingest.Handler{
			Validator:    auth.NewValidator(cfg.Ingest.Tokens),
			RateLimiter:  ratelimit.NewPerKeyLimiter(cfg.Limits.PerConnectorRPS, cfg.Limits.PerConnectorBurst),
			MaxBodyBytes: cfg.Limits.MaxBodySizeBytes,
			MaxReadings:  cfg.Limits.MaxReadingsPerBatch,
			Regions:      regions,
			Store:        readings,
			StoreTimeout: config.Seconds(cfg.Ingest.StoreTimeoutSeconds),
			Log:          log,
			Metrics:      ingestMetrics,
		}
	}

	enricherReady := func() bool { return true }
	if enricher != nil {
		enricherReady = enricher.Ready
	}

	srv := &server.Server{
		API:             apiHandler.Routes(),
		Ingest:          ingestHandler,
		CatalogReady:    regions.Ready,
		CatalogLoadedAt: regions.LoadedAt,
		EnricherReady:   enricherReady,
		RefreshCatalog:  regions.Refresh,
		MetricsHandler:  metricsHandler,
		Logger:          log,
		CertFile:        cfg.Server.CertFile,
		KeyFile:         cfg.Server.KeyFile,
		ListenAddr:      cfg.Server.ListenAddress,
		ManagementAddr:  cfg.Server.ManagementListenAddress,
		ShutdownTimeout: config.Seconds(cfg.Server.ShutdownTimeoutSeconds),
	}
	if !cfg.Server.TLS {
		srv.CertFile, srv.KeyFile = "", ""
	}

	// Run returns once the API listener has drained; deferred closes then run
	// in reverse order: audit, enricher, measurements, scheduler, quota store.
	err := srv.Run(ctx)
	log.Info().Msg("shutting down")
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
