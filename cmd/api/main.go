package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"quorum.app/internal/audit"
	"quorum.app/internal/auth"
	"quorum.app/internal/authz"
	"quorum.app/internal/cache"
	"quorum.app/internal/config"
	"quorum.app/internal/httpapi"
	"quorum.app/internal/oauth"
	"quorum.app/internal/obs"
	"quorum.app/internal/session"
	"quorum.app/internal/statictoken"
	"quorum.app/internal/store/pg"
)

var (
	version = "dev"
	commit  = "unknown"
)

const (
	tokenCacheTTL  = 30 * time.Second
	purgeInterval  = 15 * time.Minute
	probeInterval  = 10 * time.Second
	shutdownPeriod = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("quorum-api exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	store, err := pg.Open(cfg.Database.URL, pg.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, pg.WithTimeout(cfg.Database.Timeout))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	var authorityOpts []statictoken.Option
	var tokenCache *cache.TokenCache
	if cfg.RedisURL != "" {
		if tokenCache, err = cache.Open(cfg.RedisURL); err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		defer tokenCache.Close()
		authorityOpts = append(authorityOpts, statictoken.WithCache(tokenCache, tokenCacheTTL))
	}

	resolver, err := auth.NewResolver(store)
	if err != nil {
		return err
	}
	writer, err := audit.NewWriter(store)
	if err != nil {
		return err
	}
	defer writer.Close()
	guard, err := authz.NewGuard(resolver, store, writer)
	if err != nil {
		return err
	}
	workspaces, err := authz.NewWorkspaceService(store, guard, writer)
	if err != nil {
		return err
	}
	authority, err := statictoken.NewAuthority(store, store, authorityOpts...)
	if err != nil {
		return err
	}
	defer authority.Close()
	tokens, err := authz.NewTokenService(store, guard, authority)
	if err != nil {
		return err
	}

	signer, err := oauth.NewSigner(cfg.OAuth.Issuer, cfg.OAuth.SigningKey, cfg.OAuth.PreviousSigningKey, cfg.OAuth.ClockSkew)
	if err != nil {
		return err
	}
	oauthSrv, err := oauth.NewServer(store, store, signer,
		oauth.WithAuditor(writer),
		oauth.WithAccessTTL(cfg.OAuth.AccessTTL),
		oauth.WithRefreshTTL(cfg.OAuth.RefreshTTL),
		oauth.WithCodeTTL(cfg.OAuth.CodeTTL),
		oauth.WithAllowedRedirectHosts(cfg.OAuth.AllowedRedirectHosts),
	)
	if err != nil {
		return err
	}

	sessionOpts := []session.Option{session.WithTTL(cfg.Session.TTL)}
	if cfg.WorkOS.APIKey != "" {
		provider, err := session.NewWorkOSProvider(session.WorkOSConfig{
			APIKey:      cfg.WorkOS.APIKey,
			ClientID:    cfg.WorkOS.ClientID,
			RedirectURI: cfg.WorkOS.RedirectURI,
		})
		if err != nil {
			return err
		}
		sessionOpts = append(sessionOpts, session.WithProvider(provider))
	} else {
		log.Warn("WORKOS_API_KEY not set; browser login disabled")
	}
	sessions, err := session.NewManager(store, store, sessionOpts...)
	if err != nil {
		return err
	}

	ready := httpapi.ReadyFunc(func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if tokenCache != nil {
			if err := tokenCache.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	})

	api, err := httpapi.New(httpapi.Config{
		Version:        version,
		CookieName:     cfg.Session.CookieName,
		SecureCookies:  cfg.Session.SecureCookie,
		AllowedOrigins: cfg.AllowedOrigins,
		RateBurst:      cfg.RateLimit.Burst,
		RatePerSecond:  cfg.RateLimit.PerSecond,
	}, httpapi.Deps{
		Ready:        ready,
		Guard:        guard,
		Workspaces:   workspaces,
		Tokens:       tokens,
		StaticTokens: authority,
		OAuth:        oauthSrv,
		Sessions:     sessions,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(ready)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	background(func() { health.Run(ctx, probeInterval) })
	background(func() { api.RateLimiter().Run(ctx) })
	background(func() { purge(ctx, oauthSrv, sessions) })
	go func() {
		log.Info("grpc health listening", "addr", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		log.Info("quorum-api listening", "addr", cfg.HTTPAddr, "version", version, "issuer", cfg.OAuth.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errc:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	grpcSrv.GracefulStop()
	wg.Wait()
	log.Info("stopped")
	return runErr
}

// purge removes expired OAuth state and browser sessions. Expiry is also
// enforced on read, so a missed run only costs disk.
func purge(ctx context.Context, o *oauth.Server, s *session.Manager) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := o.Purge(ctx); err != nil && ctx.Err() == nil {
			obs.Logger().Warn("oauth purge failed", "error", err)
		}
		if n, err := s.Purge(ctx); err != nil && ctx.Err() == nil {
			obs.Logger().Warn("session purge failed", "error", err)
		} else if n > 0 {
			obs.Logger().Info("expired sessions purged", "count", n)
		}
	}
}
