package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/fetcher"
	"github.com/sells-group/fundsync/internal/fundreport"
	"github.com/sells-group/fundsync/internal/monitoring"
	"github.com/sells-group/fundsync/internal/pipeline"
	"github.com/sells-group/fundsync/internal/portal"
	"github.com/sells-group/fundsync/internal/ratelimit"
	"github.com/sells-group/fundsync/internal/store"
	"github.com/sells-group/fundsync/internal/xbrl"
	anthropicpkg "github.com/sells-group/fundsync/pkg/anthropic"
)

// appEnv holds the clients and the orchestrator shared by the harvest,
// serve and schedule commands.
type appEnv struct {
	Store        store.Store
	Portal       *portal.Client
	Parser       *xbrl.Parser
	Extractor    *fundreport.Extractor
	Orchestrator *pipeline.Orchestrator
	Monitor      *monitoring.Checker
}

// Close stops running batches and releases the store.
func (e *appEnv) Close() {
	if e.Orchestrator != nil {
		e.Orchestrator.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initPortal() (*portal.Client, error) {
	limiter, err := ratelimit.New(cfg.Limiter)
	if err != nil {
		return nil, eris.Wrap(err, "init rate limiter")
	}
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    cfg.Portal.UserAgent,
		Timeout:      time.Duration(cfg.Portal.TimeoutSecs) * time.Second,
		Limiter:      limiter,
		AdaptiveRate: cfg.Portal.AdaptiveRate,
		Retry:        cfg.RetryPolicy(),
	})
	return portal.New(f, portal.Options{
		SearchURL:           cfg.Portal.SearchURL,
		DownloadURLTemplate: cfg.Portal.DownloadURLTemplate,
		PageDelay:           time.Duration(cfg.Portal.PageDelayMs) * time.Millisecond,
	}), nil
}

// initExtraction builds the parser and the strategy chain. The AI strategy
// is appended only when enabled.
func initExtraction() (*xbrl.Parser, *fundreport.Extractor) {
	parser := xbrl.NewParser(xbrl.NewTaxonomyRegistry(cfg.Taxonomy.Dir))
	strategies := fundreport.DefaultStrategies(nil)
	if cfg.Anthropic.Enabled && cfg.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		strategies = append(strategies, fundreport.NewAIStrategy(client, cfg.Anthropic.Model, cfg.Anthropic.MaxInputRunes))
		zap.L().Info("ai extraction fallback enabled", zap.String("model", cfg.Anthropic.Model))
	}
	return parser, fundreport.NewExtractor(strategies...)
}

func orchestratorConfig() pipeline.Config {
	return pipeline.Config{
		DefaultConcurrency: cfg.Orchestrator.Concurrency,
		MaxConcurrency:     cfg.Orchestrator.MaxConcurrency,
		ChainTimeout:       cfg.ChainTimeout(),
		Retention:          time.Duration(cfg.Orchestrator.RetentionMinutes) * time.Minute,
		DLQMaxRetries:      cfg.Orchestrator.DLQMaxRetries,
		Circuit:            cfg.CircuitPolicy(),
		Destinations:       []string{cfg.Store.Driver},
	}
}

// initEnv validates config for mode and wires store, portal, extraction and
// the orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	client, err := initPortal()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	parser, extractor := initExtraction()

	chain := pipeline.NewChain(client, cfg.Portal.DownloadDir, parser, extractor, st)
	orch := pipeline.NewOrchestrator(orchestratorConfig(), chain, st)
	monitor := monitoring.NewChecker(
		monitoring.NewCollector(st, orch),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
	return &appEnv{
		Store:        st,
		Portal:       client,
		Parser:       parser,
		Extractor:    extractor,
		Orchestrator: orch,
		Monitor:      monitor,
	}, nil
}
