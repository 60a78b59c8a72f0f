package cli

import (
	"context"

	"github.com/ignatij/goresearch/internal/config"
	"github.com/ignatij/goresearch/internal/extract"
	"github.com/ignatij/goresearch/internal/llm"
	"github.com/ignatij/goresearch/internal/log"
	"github.com/ignatij/goresearch/internal/metrics"
	"github.com/ignatij/goresearch/internal/search"
	internal_storage "github.com/ignatij/goresearch/internal/storage"
	"github.com/ignatij/goresearch/pkg/research"
	"github.com/ignatij/goresearch/pkg/service"
	"github.com/ignatij/goresearch/pkg/storage"
	"github.com/spf13/cobra"
)

// App bundles everything a command needs.
type App struct {
	Config  *config.Config
	Engine  *service.Engine
	Metrics *metrics.Metrics
	store   storage.Store
}

// NewApp wraps an already built engine, e.g. in tests.
func NewApp(cfg *config.Config, engine *service.Engine, m *metrics.Metrics, store storage.Store) *App {
	return &App{Config: cfg, Engine: engine, Metrics: m, store: store}
}

func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// AppFactory builds the App for a command invocation.
type AppFactory func(cmd *cobra.Command) (*App, error)

// Bootstrap wires the configured store, collaborators and workflow variant into an engine.
func Bootstrap(ctx context.Context, cfg *config.Config, opts ...service.Option) (*App, error) {
	log.SetLevel(cfg.LogLevel)

	variant, err := research.ParseVariant(cfg.Variant)
	if err != nil {
		return nil, err
	}
	store, err := internal_storage.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	workflow := research.NewWorkflow(
		llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Timeout),
		search.NewClient(cfg.Search.BaseURL, search.Options{
			MaxTries:        cfg.Search.MaxTries,
			InitialInterval: cfg.Search.InitialInterval,
			MaxInterval:     cfg.Search.MaxInterval,
			Timeout:         cfg.Search.Timeout,
			MaxResults:      cfg.Search.MaxResults,
		}, log.GetLogger()),
		extract.NewHTMLExtractor(cfg.Extract.Timeout),
		research.Config{
			Model:             cfg.LLM.Model,
			MaxKeywords:       cfg.Workflow.MaxKeywords,
			ResultsPerKeyword: cfg.Workflow.ResultsPerKeyword,
			MaxPages:          cfg.Extract.MaxPages,
			ScrapeConcurrency: cfg.Extract.Concurrency,
			SectionInterval:   cfg.Workflow.SectionInterval,
		},
	)
	registry, err := workflow.Registry(variant)
	if err != nil {
		store.Close()
		return nil, err
	}

	m := metrics.New(true)
	opts = append([]service.Option{service.WithObserver(m)}, opts...)
	engine, err := service.NewEngine(registry, store, log.GetLogger(), opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	log.GetLogger().Debugf("Bootstrapped %s workflow with %d steps on %s store", variant, registry.Len(), cfg.Store.Driver)
	return NewApp(cfg, engine, m, store), nil
}

// FromFlags loads the configuration named by --config, applies the --store
// and --db overrides and bootstraps the app.
func FromFlags(cmd *cobra.Command) (*App, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if driver, _ := cmd.Flags().GetString("store"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn, _ := cmd.Flags().GetString("db"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return Bootstrap(cmd.Context(), cfg, service.WithProgress(progressPrinter(cmd)))
}

func progressPrinter(cmd *cobra.Command) service.ProgressFunc {
	return func(ev service.ProgressEvent) {
		cmd.PrintErrf("[%d/%d] %s...\n", ev.Index+1, ev.Total, ev.Description)
	}
}
