// Command relaybot wires every component (C1-C11) together and runs
// the bot as a single process: load configuration, connect the
// document store and optional cache, restore or bootstrap the
// transport session, bring up the Connection Supervisor and Control
// Plane, and block until an operator-issued shutdown signal drains
// everything in order.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaybot-dev/relaybot/internal/cache"
	"github.com/relaybot-dev/relaybot/internal/config"
	"github.com/relaybot-dev/relaybot/internal/groupevents"
	"github.com/relaybot-dev/relaybot/internal/health"
	"github.com/relaybot-dev/relaybot/internal/httpapi"
	"github.com/relaybot-dev/relaybot/internal/identity"
	"github.com/relaybot-dev/relaybot/internal/logger"
	"github.com/relaybot-dev/relaybot/internal/message"
	"github.com/relaybot-dev/relaybot/internal/permission"
	"github.com/relaybot-dev/relaybot/internal/plugins"
	_ "github.com/relaybot-dev/relaybot/internal/plugins/builtin" // registers the "help" factory
	"github.com/relaybot-dev/relaybot/internal/router"
	"github.com/relaybot-dev/relaybot/internal/scheduler"
	"github.com/relaybot-dev/relaybot/internal/session"
	"github.com/relaybot-dev/relaybot/internal/store"
	"github.com/relaybot-dev/relaybot/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnvBool("LOG_PRETTY", false))
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(store.Config{
		URI:            cfg.MongoURI,
		Database:       cfg.DatabaseName,
		MaxPoolSize:    100,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to document store")
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure document store indexes")
	}

	redisCache, err := cache.NewCache(cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		Enabled:  cfg.RedisEnabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("redis cache unavailable, continuing with cache disabled")
		redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}

	sessionStore := session.New(cfg.CredentialsDir)
	if err := sessionStore.Ensure(); err != nil {
		log.Fatal().Err(err).Msg("failed to prepare credentials directory")
	}
	if blob := os.Getenv("SESSION_BOOTSTRAP"); blob != "" {
		sessionStore.ImportBootstrap(blob)
	}
	_, saveAuthState, err := sessionStore.AuthState()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load persisted credentials")
	}

	sup := transport.New(transport.NullDialer{}, sessionStore)
	if cfg.RedisRetryCache && redisCache.IsEnabled() {
		sup.SetRetryCache(redisCache)
	}
	client := transport.NewClient(sup)

	resolver := identity.New(client)
	defer resolver.Close()

	ownerIdentity, ok := identity.NormalizeConfiguredIdentity(cfg.OwnerNumber)
	if !ok {
		log.Fatal().Str("owner_number", cfg.OwnerNumber).Msg("OWNER_NUMBER does not resolve to a usable identity")
	}

	perm := permission.New(permission.Config{
		OwnerIdentity: ownerIdentity,
		AdminList:     cfg.AdminNumbers,
		DefaultMode:   permission.Mode(cfg.Mode),
	}, st.Admins(), st.Bans(), st.Modes(), redisCache)

	sched := scheduler.New()
	defer sched.Stop()

	registry := plugins.New(cfg.PluginDir, sched, func(pluginName string) *plugins.Context {
		return &plugins.Context{
			Ctx:         ctx,
			Config:      cfg,
			Permissions: perm,
			RateLimit:   perm,
			Store:       st,
		}
	})
	if err := registry.SeedIfEmpty(); err != nil {
		log.Warn().Err(err).Msg("failed to seed default plugin directory")
	}
	if err := registry.LoadAll(); err != nil {
		log.Fatal().Err(err).Msg("failed to load plugins")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	groupEventHandler := groupevents.New(client, resolver, registry, groupevents.Config{
		Location: loc,
	})

	rtr := router.New(cfg, registry, perm)

	healthSup := health.New(ownerIdentity, client, registry, sup, st, redisCache)

	events := httpapi.NewEventBroadcaster()
	httpSrv := httpapi.New(httpapi.Deps{
		BotName:    cfg.BotName,
		OwnerID:    ownerIdentity,
		Mode:       string(cfg.Mode),
		StartedAt:  time.Now(),
		APIKey:     cfg.ControlPlaneAPIKey,
		Conn:       sup,
		Store:      st,
		Cache:      redisCache,
		Registry:   registry,
		EventsFeed: events,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpSrv.Engine(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("control plane listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("control plane failed")
		}
	}()

	sup.OnRunning(func(ctx context.Context) {
		registry.RunOnLoadHooks()
		log.Info().Msg("transport running, onLoad hooks fired")
	})

	go sup.Run(ctx)
	go healthSup.Run(ctx)
	go registry.WatchForChanges(ctx)
	go dispatchEvents(ctx, sup, client, resolver, rtr, groupEventHandler, registry, saveAuthState, cfg)

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	httpSrv.BeginShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("control plane forced to shutdown")
	}

	transportDone := make(chan struct{})
	go func() {
		sup.Stop()
		close(transportDone)
	}()
	select {
	case <-transportDone:
	case <-time.After(2 * time.Second):
		log.Warn().Msg("transport did not stop within grace period")
	}

	if err := st.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("error closing document store")
	}
	if redisCache.IsEnabled() {
		if err := redisCache.FlushAll(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("error clearing cache on shutdown")
		}
		if err := redisCache.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing cache connection")
		}
	}

	log.Info().Msg("graceful shutdown complete")
}

// dispatchEvents drains the Connection Supervisor's fan-out channel for
// the lifetime of ctx, translating each transport.Event into the
// appropriate C2/C6/C11/C3 call. The payload shapes asserted below are
// what a real Dialer implementation is expected to produce; NullDialer
// never emits any, so this loop is wiring that a production Dialer
// plugs into rather than code this build can exercise end-to-end.
func dispatchEvents(
	ctx context.Context,
	sup *transport.Supervisor,
	client *transport.Client,
	resolver *identity.Resolver,
	rtr *router.Router,
	groupEventHandler *groupevents.Handler,
	registry *plugins.Registry,
	saveAuthState session.SaveFunc,
	cfg *config.Config,
) {
	log := logger.GetLogger()
	for ev := range sup.Subscribe(ctx) {
		switch ev.Kind {
		case transport.EventMessage:
			raw, ok := ev.Payload.(message.RawEnvelope)
			if !ok {
				log.Warn().Msg("message event payload did not match the expected envelope shape")
				continue
			}
			msg := message.Normalize(ctx, raw, client, resolver)
			rtr.Handle(ctx, msg)

		case transport.EventGroupParticipantsUpdate:
			update, ok := ev.Payload.(groupevents.Update)
			if !ok {
				log.Warn().Msg("group participants event payload did not match the expected shape")
				continue
			}
			if cfg.Welcome {
				groupEventHandler.Handle(ctx, update)
			}

		case transport.EventCredsUpdate:
			state, ok := ev.Payload.(session.AuthState)
			if !ok {
				log.Warn().Msg("credentials event payload did not match the expected shape")
				continue
			}
			if err := saveAuthState(state); err != nil {
				log.Warn().Err(err).Msg("failed to persist refreshed credentials")
			}

		case transport.EventCall:
			if cfg.RejectCall {
				log.Info().Msg("incoming call received with REJECT_CALL set; call rejection itself requires wire-protocol support this build does not provide")
			}

		case transport.EventGroupUpdate:
			registry.EmitCoreEvent("group.metadata.updated", ev.Payload)

		default:
			log.Warn().Str("kind", string(ev.Kind)).Msg("unrecognized transport event kind")
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || v == "true" || v == "TRUE" || v == "True"
}
