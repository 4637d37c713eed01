package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/keystash/internal/authz"
	"github.com/smallbiznis/keystash/internal/bootstrap"
	"github.com/smallbiznis/keystash/internal/config"
	"github.com/smallbiznis/keystash/internal/grant"
	httptransport "github.com/smallbiznis/keystash/internal/http"
	"github.com/smallbiznis/keystash/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/keystash/internal/http/middleware"
	"github.com/smallbiznis/keystash/internal/jwt"
	"github.com/smallbiznis/keystash/internal/repository"
	"github.com/smallbiznis/keystash/internal/server"
	"github.com/smallbiznis/keystash/internal/service"
	"github.com/smallbiznis/keystash/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newKeyRepository,
			newClientRepository,
			newResourceOwnerRepository,
			newRedisClient,
			newCaches,
			newRateLimiter,
			newKeyRegistry,
			newKeyMaintainer,
			newTokenGenerator,
			newResolver,
			newAuthorizationService,
			newDiscoveryService,
			handler.NewOAuthHandler,
			newAuthMiddleware,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, newMaintenance, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", cfg.ServiceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.Signing.NodeID)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Persistence.ConnTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Persistence.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.Persistence.Migrate {
		if err := repository.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("database schema applied")
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newKeyRepository(pool *pgxpool.Pool) repository.KeyRepository {
	return repository.NewPostgresKeyRepo(pool)
}

func newClientRepository(pool *pgxpool.Pool) repository.ClientRepository {
	return repository.NewPostgresClientRepo(pool)
}

func newResourceOwnerRepository(pool *pgxpool.Pool) repository.ResourceOwnerRepository {
	return repository.NewPostgresResourceOwnerRepo(pool)
}

// newRedisClient connects only when the redis cache backend is selected.
func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	if cfg.Cache.Backend != config.CacheBackendRedis {
		return nil, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Cache.RedisAddr},
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newCaches(cfg config.Config, client redis.UniversalClient) service.Caches {
	return service.NewCaches(cfg.Cache, client)
}

func newRateLimiter(cfg config.Config) *httpmiddleware.RateLimiter {
	return httpmiddleware.NewRateLimiter(cfg.HTTP.RateLimitRPM)
}

func newKeyRegistry(repo repository.KeyRepository, node *snowflake.Node, logger *zap.Logger) *jwt.KeyRegistry {
	return jwt.NewKeyRegistry(repo, node, logger)
}

func newKeyMaintainer(registry *jwt.KeyRegistry, cfg config.Config, logger *zap.Logger) *bootstrap.KeyMaintainer {
	return bootstrap.NewKeyMaintainer(registry, cfg.Signing, logger, nil)
}

func newTokenGenerator(registry *jwt.KeyRegistry) *jwt.Generator {
	return jwt.NewGenerator(registry)
}

func newResolver() *grant.Resolver {
	return grant.NewResolver()
}

func newAuthorizationService(
	resolver *grant.Resolver,
	tokens *jwt.Generator,
	clients repository.ClientRepository,
	owners repository.ResourceOwnerRepository,
	caches service.Caches,
	cfg config.Config,
	logger *zap.Logger,
) *service.AuthorizationService {
	return service.NewAuthorizationService(resolver, tokens, clients, owners, caches, cfg.Tokens, logger.Named("oauth"))
}

func newDiscoveryService(resolver *grant.Resolver, registry *jwt.KeyRegistry, cfg config.Config) *service.DiscoveryService {
	return service.NewDiscoveryService(resolver, registry, cfg.Signing.Algorithm, []string{"openid", "profile", "email"})
}

func newAuthMiddleware(svc *service.AuthorizationService, cfg config.Config) *httpmiddleware.Auth {
	return httpmiddleware.NewAuth(authz.ValidatorFunc(svc.ValidateAccessToken), cfg.ServiceName)
}

func newMaintenance(lc fx.Lifecycle, keys *bootstrap.KeyMaintainer, caches service.Caches, cfg config.Config) {
	bootstrap.Maintenance(lc, keys, caches, cfg.Cache)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTP.Port
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
