package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/chirino/chat-state-service/internal/config"
	"github.com/chirino/chat-state-service/internal/envelope"
	"github.com/chirino/chat-state-service/internal/plugin/route/chats"
	"github.com/chirino/chat-state-service/internal/plugin/route/diagnostics"
	routesystem "github.com/chirino/chat-state-service/internal/plugin/route/system"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
	registrykeys "github.com/chirino/chat-state-service/internal/registry/keys"
	registryroute "github.com/chirino/chat-state-service/internal/registry/route"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
	"github.com/chirino/chat-state-service/internal/security"
	"github.com/chirino/chat-state-service/internal/service"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Store      registrystore.ChatStore
	Cache      registrycache.ChatCache
	ServerKeys registrykeys.Provider
	UserKeys   registrykeys.Provider
	Guard      *envelope.Guard
	Router     *gin.Engine
	Port       int

	httpServer *http.Server
}

// Shutdown drains in-flight requests and closes the store and cache handles.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.Store.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.Cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// StartServer initializes all subsystems and starts the HTTP server.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat state service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"serverKeys", cfg.ServerKeyProvider,
	)

	// Initialize cache and inject into context so other loaders can read it.
	cacheLoader, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		return nil, err
	}
	cache, err := cacheLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	ctx = registrycache.WithContext(ctx, cache)

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	// Envelope key providers: server domain for chat keys, user domain for
	// the re-encryption boundary consumers.
	serverKeys, err := loadKeyProvider(ctx, cfg, cfg.ServerKeyProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize server key provider: %w", err)
	}
	if serverKeys.Domain() != envelope.DomainServer {
		return nil, fmt.Errorf("server key provider %q serves the %s domain", cfg.ServerKeyProvider, serverKeys.Domain())
	}
	userKeys, err := loadKeyProvider(ctx, cfg, cfg.UserKeyProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize user key provider: %w", err)
	}
	if userKeys.Domain() != envelope.DomainUser {
		return nil, fmt.Errorf("user key provider %q serves the %s domain", cfg.UserKeyProvider, userKeys.Domain())
	}

	guard := envelope.NewGuard()
	lifecycle := service.NewChatLifecycleManager(store, serverKeys)
	reconciler := service.NewPersistenceReconciler(cache, store, lifecycle, guard,
		cfg.ReconcileInterval, cfg.TTLWarningWindow, cfg.ReconcileBatchSize)
	runner := service.NewPersistenceTaskRunner(store, cache, lifecycle, guard,
		cfg.TaskPollInterval, cfg.TaskRetryDelay, cfg.TaskMaxRetries, cfg.TaskBatchSize)
	flusher := service.NewLogoutFlusher(cache, store, lifecycle, guard, cfg.LogoutFlushTimeout)
	scanner := service.NewIntegrityScanner(store, cache, reconciler, guard,
		cfg.IntegrityScanInterval, cfg.IntegrityBatchSize, cfg.TaskMaxRetries)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	chats.MountRoutes(router, store, cache, lifecycle, flusher)
	diagnostics.MountRoutes(router, scanner)
	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	// Start background services
	go reconciler.Start(ctx)
	go runner.Start(ctx)
	go scanner.Start(ctx)

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Listener.Port))
	if err != nil {
		return nil, err
	}
	port := listener.Addr().(*net.TCPAddr).Port

	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	log.Info("Server listening", "port", port)
	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Cache:      cache,
		ServerKeys: serverKeys,
		UserKeys:   userKeys,
		Guard:      guard,
		Router:     router,
		Port:       port,
		httpServer: httpServer,
	}, nil
}

func loadKeyProvider(ctx context.Context, cfg *config.Config, name string) (registrykeys.Provider, error) {
	loader, err := registrykeys.Select(name)
	if err != nil {
		return nil, err
	}
	return loader(ctx, cfg)
}
