package main

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/safety-monitor/internal/config"
	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/source"
	"github.com/sells-group/safety-monitor/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "safety-monitor.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens the configured store and applies pending migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// sourceFromConfig converts a configured source into its stored form.
// Unset names and schedules fall back to the code and defaultSchedule.
func sourceFromConfig(sc config.SourceConfig, defaultSchedule string) *model.Source {
	src := &model.Source{
		Code:     sc.Code,
		Name:     sc.Name,
		Country:  sc.Country,
		Region:   sc.Region,
		BaseURL:  sc.BaseURL,
		Scraper:  sc.Scraper,
		Schedule: sc.Schedule,
		Active:   !sc.Inactive,
		Settings: model.SourceSettings{
			MaxPages:       sc.MaxPages,
			RequestDelayMs: sc.RequestDelayMs,
			Keywords:       sc.Keywords,
			Categories:     sc.Categories,
			Selectors:      sc.Selectors,
		},
	}
	if src.Name == "" {
		src.Name = src.Code
	}
	if src.Schedule == "" {
		src.Schedule = defaultSchedule
	}
	if src.Scraper == "" {
		src.Scraper = source.KindHTML
	}
	return src
}

// registerSources validates and upserts sources. An unknown scraper kind
// rejects the whole batch before anything is written.
func registerSources(ctx context.Context, st store.Store, registry *source.Registry, sources []config.SourceConfig, defaultSchedule string) ([]*model.Source, error) {
	kinds := registry.Kinds()
	out := make([]*model.Source, 0, len(sources))
	for _, sc := range sources {
		src := sourceFromConfig(sc, defaultSchedule)
		if !slices.Contains(kinds, src.Scraper) {
			return nil, eris.Errorf("source %s: unknown scraper %q (valid: %v)", src.Code, src.Scraper, kinds)
		}
		if src.BaseURL == "" {
			return nil, eris.Errorf("source %s: base_url is required", src.Code)
		}
		out = append(out, src)
	}

	for _, src := range out {
		if err := st.UpsertSource(ctx, src); err != nil {
			return nil, eris.Wrapf(err, "register source %s", src.Code)
		}
	}
	return out, nil
}
