package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/autoreply/internal/autoreply"
	"github.com/nextlevelbuilder/autoreply/internal/bus"
	"github.com/nextlevelbuilder/autoreply/internal/channels"
	"github.com/nextlevelbuilder/autoreply/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/autoreply/internal/config"
	"github.com/nextlevelbuilder/autoreply/internal/conversations"
	httpapi "github.com/nextlevelbuilder/autoreply/internal/http"
	"github.com/nextlevelbuilder/autoreply/internal/metrics"
	"github.com/nextlevelbuilder/autoreply/internal/providers"
	"github.com/nextlevelbuilder/autoreply/internal/store"
	"github.com/nextlevelbuilder/autoreply/internal/store/file"
	"github.com/nextlevelbuilder/autoreply/internal/store/pg"
	"github.com/nextlevelbuilder/autoreply/internal/tracing"
	"github.com/nextlevelbuilder/autoreply/internal/upgrade"
	"github.com/nextlevelbuilder/autoreply/internal/webhook"
	"github.com/nextlevelbuilder/autoreply/pkg/protocol"
)

const shutdownTimeout = 15 * time.Second

// gatewayStores is the storage wiring for one gateway run.
type gatewayStores struct {
	*store.Stores
	db        *sql.DB             // managed mode only
	fileRules *file.FileRuleStore // standalone mode only
}

func (s *gatewayStores) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func runGateway() error {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}

	stores, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		return err
	}
	defer stores.Close()

	msgBus := bus.New(cfg.Gateway.InboundBuffer)

	// Device channels
	channelMgr := channels.NewManager()
	loader := channels.NewInstanceLoader(stores.Devices, channelMgr, msgBus)
	loader.RegisterFactory("whatsapp", whatsapp.Factory)
	if err := loader.LoadAll(ctx); err != nil {
		slog.Error("failed to load devices", "error", err)
		return err
	}

	// Routing engine
	conv := conversations.NewStore(cfg.Engine.ConversationTimeout(),
		conversations.WithEvictHook(func(removed, remaining int) {
			metrics.ConversationsEvicted.Add(float64(removed))
			metrics.ActiveConversations.Set(float64(remaining))
		}),
	)
	ruleCache := autoreply.NewRuleCache(stores.Rules, cfg.Engine.RuleRefresh(), cfg.Engine.RuleFetchTimeout())
	composer := autoreply.NewComposer(buildAIBackend(cfg), stores.Media, buildTemplates(cfg), cfg.Engine.AITimeout())

	router := autoreply.NewRouter(autoreply.RouterDeps{
		Rules:     ruleCache,
		Conv:      conv,
		Composer:  composer,
		Transport: channelTransport{mgr: channelMgr},
		Stats:     stores.Stats,
		Webhooks:  webhook.NewSink(cfg.Webhook.DefaultURL, cfg.Webhook.Secret, time.Duration(cfg.Webhook.TimeoutSec)*time.Second),
	}, autoreply.RouterConfig{
		SendTimeout:    cfg.Engine.SendTimeout(),
		ChainDelay:     cfg.Engine.ChainDelay(),
		MaxChainDepth:  cfg.Engine.MaxChainDepth,
		TypingSeconds:  cfg.Engine.TypingSeconds,
		WebhookTimeout: time.Duration(cfg.Webhook.TimeoutSec) * time.Second,
	})

	subscribeInvalidation(ctx, msgBus, ruleCache, loader)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		conv.RunSweeper(gctx, cfg.Engine.SweepInterval())
		return nil
	})
	g.Go(func() error {
		ruleCache.Run(gctx)
		return nil
	})

	// Rule change feeds: NOTIFY in managed mode, file watch in standalone.
	notifyRules := func(tenantID string) {
		msgBus.Broadcast(bus.Event{
			Name:    protocol.EventCacheInvalidate,
			Payload: bus.CacheInvalidatePayload{Kind: bus.CacheKindRules, Key: tenantID},
		})
	}
	if stores.db != nil {
		listener := pg.NewRuleListener(cfg.Database.PostgresDSN, notifyRules)
		g.Go(func() error { return listener.Run(gctx) })
	}
	if stores.fileRules != nil && cfg.Rules.WatchEnabled() {
		g.Go(func() error {
			if err := stores.fileRules.Watch(gctx, func() { notifyRules("") }); err != nil {
				slog.Warn("rules file watch stopped", "error", err)
			}
			return nil
		})
	}

	// SIGHUP reloads devices.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				slog.Info("SIGHUP received, reloading devices")
				msgBus.Broadcast(bus.Event{
					Name:    protocol.EventCacheInvalidate,
					Payload: bus.CacheInvalidatePayload{Kind: bus.CacheKindDevices},
				})
			}
		}
	})

	consumer := newInboundConsumer(msgBus, router, cfg.Gateway)
	g.Go(func() error { return consumer.Run(gctx) })

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           httpapi.NewAdminHandler(channelMgr, conv, msgBus, cfg.Gateway.Token).Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("http listener started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("autoreply gateway starting",
		"version", Version,
		"mode", mode,
		"devices", len(loader.LoadedNames()),
		"ai", cfg.HasProvider(),
	)

	runErr := g.Wait()
	if runErr != nil {
		slog.Error("gateway stopped with error", "error", runErr)
	}

	slog.Info("graceful shutdown initiated")
	msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown})

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	loader.Stop(sctx)
	consumer.Wait()
	router.Wait()
	if err := shutdownTracing(sctx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	slog.Info("autoreply gateway stopped")
	return runErr
}

// openStores builds Postgres stores in managed mode, or the rules file,
// media directory and config devices otherwise.
func openStores(ctx context.Context, cfg *config.Config) (*gatewayStores, error) {
	if cfg.IsManagedMode() {
		pgStores, db, err := pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
		if err != nil {
			return nil, err
		}
		gs := &gatewayStores{Stores: pgStores, db: db}
		if err := ensureSchema(ctx, db, cfg.Database.PostgresDSN); err != nil {
			gs.Close()
			return nil, err
		}
		return gs, nil
	}

	if cfg.Database.Mode == "managed" {
		slog.Warn("managed mode requested but AUTOREPLY_POSTGRES_DSN is not set, running standalone")
	}

	rules, err := file.NewFileRuleStore(cfg.RulesPath())
	if err != nil {
		return nil, err
	}
	devices, err := cfg.DeviceInstances()
	if err != nil {
		return nil, err
	}
	return &gatewayStores{
		Stores: &store.Stores{
			Rules:   rules,
			Devices: file.NewStaticDeviceStore(devices),
			Media:   file.NewDirMediaStore(cfg.MediaPath()),
		},
		fileRules: rules,
	}, nil
}

// ensureSchema refuses to start against an incompatible schema unless
// AUTOREPLY_AUTO_MIGRATE allows migrating up first.
func ensureSchema(ctx context.Context, db *sql.DB, dsn string) error {
	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return err
	}
	if s.Compatible {
		return nil
	}
	if s.NeedsMigration && !s.Dirty && os.Getenv("AUTOREPLY_AUTO_MIGRATE") == "true" {
		slog.Info("auto-migrating database schema", "from", s.CurrentVersion, "to", s.RequiredVersion)
		return migrateUp(dsn)
	}
	fmt.Fprint(os.Stderr, upgrade.FormatError(s))
	return s.Err()
}

func buildAIBackend(cfg *config.Config) autoreply.AIBackend {
	if !cfg.HasProvider() {
		slog.Info("no AI provider configured, AI rules will use their fallback text")
		return nil
	}
	p := providers.NewOpenAIProvider(cfg.Provider.Name, cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.DefaultModel)
	return autoreply.NewProviderBackend(p, cfg.Provider.SystemPrompt)
}

func buildTemplates(cfg *config.Config) autoreply.Templates {
	t := autoreply.DefaultTemplates()
	tc := cfg.Templates
	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIf(&t.BotName, tc.BotName)
	setIf(&t.DateLayout, tc.DateLayout)
	setIf(&t.TimeLayout, tc.TimeLayout)
	setIf(&t.DateTimeLayout, tc.DateTimeLayout)
	setIf(&t.Greetings.Morning, tc.Greetings.Morning)
	setIf(&t.Greetings.Afternoon, tc.Greetings.Afternoon)
	setIf(&t.Greetings.Evening, tc.Greetings.Evening)
	setIf(&t.Greetings.Night, tc.Greetings.Night)
	t.TenantBotNames = tc.TenantBotNames

	loc, err := tc.Location()
	if err != nil {
		slog.Warn("invalid timezone, using local time", "error", err)
	}
	t.Location = loc
	return t
}

// subscribeInvalidation applies cache.invalidate events to the rule cache
// and the device loader.
func subscribeInvalidation(ctx context.Context, msgBus *bus.MessageBus, rules *autoreply.RuleCache, loader *channels.InstanceLoader) {
	msgBus.Subscribe("cache-invalidate", func(e bus.Event) {
		if e.Name != protocol.EventCacheInvalidate {
			return
		}
		p, ok := e.Payload.(bus.CacheInvalidatePayload)
		if !ok {
			return
		}
		switch p.Kind {
		case bus.CacheKindRules:
			if p.Key == "" {
				rules.InvalidateAll()
			} else {
				rules.Invalidate(p.Key)
			}
		case bus.CacheKindDevices:
			// Reload blocks while sockets reconnect; keep the broadcaster free.
			go loader.Reload(ctx)
		}
	})
}
