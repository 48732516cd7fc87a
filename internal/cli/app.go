package cli

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wxagent/wxagent/internal/ai"
	"github.com/wxagent/wxagent/internal/config"
	"github.com/wxagent/wxagent/internal/coverage"
	"github.com/wxagent/wxagent/internal/discovery"
	"github.com/wxagent/wxagent/internal/netutil"
	"github.com/wxagent/wxagent/internal/output"
	"github.com/wxagent/wxagent/internal/recommend"
	"github.com/wxagent/wxagent/internal/source"
	"github.com/wxagent/wxagent/internal/store"
	"github.com/wxagent/wxagent/internal/summarize"
	"github.com/wxagent/wxagent/internal/syncer"
	"github.com/wxagent/wxagent/internal/vault"
	"github.com/wxagent/wxagent/internal/view"
)

// App bundles everything a command needs: config, store, vault, the
// acquisition engine and the terminal printer. Built per invocation,
// closed when the command returns.
type App struct {
	Config    *config.Config
	Store     *store.Store
	Vault     vault.Vault
	AI        *ai.Client
	Gateway   *source.Gateway
	Providers []source.Provider
	Discovery *discovery.Orchestrator
	Engine    *syncer.Engine
	Coverage  *coverage.Service
	View      *view.Assembler
	Printer   *output.Printer

	db *sql.DB
}

// newApp loads config, opens and migrates the database, and wires the
// acquisition path selected by discovery_v2_enabled. The live gateway is
// always constructed: `source doctor` probes through it in either mode.
func newApp(envPath string, useColors bool) (*App, error) {
	cfg, err := config.Load(envPath)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.SQLitePath()
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir %s: %w", dir, err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	st := store.New(db)

	v := vault.New(cfg.SessionBackend, config.AppName,
		filepath.Join(cfg.ConfigDir, "sessions.json"))
	client := ai.New(cfg)

	sum := summarize.New(client, cfg.ArticleFetchTimeout, cfg.SummarySourceCharLimit)
	rec := recommend.New(st, client)
	rec.VectorSize = cfg.EmbeddingVectorSize
	rec.TopicWeight = cfg.RecommendTopicWeight
	rec.FreshnessWeight = cfg.RecommendFreshWeight

	feed := source.NewFeedFetcher(cfg.HTTPTimeout, cfg.MidnightShiftDays)
	providers := []source.Provider{
		&source.ManualProvider{Store: st, Feed: feed},
		&source.TemplateProvider{Templates: cfg.SourceTemplates, Feed: feed},
		source.NewDirectoryProvider(cfg.Wechat2RSSIndexURL, feed,
			netutil.NewDirectDownloader(cfg.HTTPTimeout)),
	}
	health := source.NewHealthService(st, cfg.SourceCircuitFailThreshold, cfg.SourceCooldown,
		source.HealthWeights{
			Success:   cfg.HealthWeightSuccess,
			Latency:   cfg.HealthWeightLatency,
			Freshness: cfg.HealthWeightFreshness,
			Coverage:  cfg.HealthWeightCoverage,
		})
	gw := source.NewGateway(st, health, providers, cfg.SourceMaxCandidates, cfg.SourceRetryBackoff)

	app := &App{
		Config:    cfg,
		Store:     st,
		Vault:     v,
		AI:        client,
		Gateway:   gw,
		Providers: providers,
		Coverage:  coverage.New(st, cfg.CoverageSLATarget),
		View:      view.NewAssembler(st),
		Printer:   output.NewPrinter(useColors),
		db:        db,
	}

	if cfg.DiscoveryV2Enabled {
		index := discovery.NewSearchIndexProvider(cfg.HTTPTimeout)
		var chain []discovery.Provider
		switch cfg.SessionProvider {
		case "wechat_web":
			chain = append(chain, discovery.NewWechatWebProvider(st, v, cfg.HTTPTimeout))
		default:
			chain = append(chain, discovery.NewWereadProvider(v, cfg.HTTPTimeout))
		}
		chain = append(chain, index)
		app.Discovery = discovery.NewOrchestrator(st, chain, index,
			cfg.ArticleFetchTimeout, cfg.MidnightShiftDays)
		app.Engine = syncer.New(st, nil, app.Discovery, sum, rec,
			cfg.SyncOverlap, cfg.IncrementalSyncEnabled, cfg.MaxConcurrency)
	} else {
		app.Engine = syncer.New(st, gw, nil, sum, rec,
			cfg.SyncOverlap, cfg.IncrementalSyncEnabled, cfg.MaxConcurrency)
	}

	return app, nil
}

func (a *App) Close() error {
	return a.db.Close()
}
