// ABOUTME: Builds the gateway's backends from configuration
// ABOUTME: Session store, Redis client, push sender, identity verifier and rate limiter

package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/auth"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/config"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/push"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/ratelimit"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
)

const rateLimitPrefix = "mpc:rl:"

// initStore opens the session store named by database.driver.
func initStore(ctx context.Context, cfg config.DatabaseConfig) (store.SessionStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite, config.DriverSQLite3, "":
		driver := store.DriverModernc
		if cfg.Driver == config.DriverSQLite3 {
			driver = store.DriverMattn
		}
		s, err := store.OpenSQLite(driver, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// initRedis connects when redis.addr is set and returns nil otherwise.
func initRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	logger.Info("redis connected", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}

// initPush builds the sender for push.provider.
func initPush(ctx context.Context, cfg config.PushConfig, logger *slog.Logger) (push.Sender, error) {
	switch cfg.Provider {
	case config.PushFCM:
		var opts []push.FCMOption
		if cfg.Endpoint != "" {
			opts = append(opts, push.WithEndpoint(cfg.Endpoint))
		}
		sender, err := push.NewFCMSenderFromCredentials(ctx, cfg.ProjectID, cfg.CredentialsFile, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating FCM sender: %w", err)
		}
		logger.Info("push notifications via FCM", "project_id", cfg.ProjectID)
		return sender, nil
	case config.PushLog, "":
		return push.NewLogSender(logger), nil
	case config.PushNone:
		return discardSender{}, nil
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.Provider)
	}
}

// discardSender drops every message.
type discardSender struct{}

func (discardSender) Send(context.Context, string, push.Message) error { return nil }

// initIdentity returns nil when no Firebase project is configured, which
// disables the login endpoints.
func initIdentity(cfg config.AuthConfig, logger *slog.Logger) (auth.IdentityVerifier, error) {
	if cfg.FirebaseProjectID == "" {
		logger.Warn("auth.firebase_project_id not set; /auth/browser and /auth/phone are disabled")
		return nil, nil
	}
	var opts []auth.FirebaseOption
	if cfg.FirebaseCertURL != "" {
		opts = append(opts, auth.WithCertURL(cfg.FirebaseCertURL))
	}
	v, err := auth.NewFirebaseVerifier(cfg.FirebaseProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating identity verifier: %w", err)
	}
	return v, nil
}

// initLimiter shares the budget through Redis when available.
func initLimiter(cfg config.RateLimitConfig, client *redis.Client) ratelimit.Limiter {
	if client != nil {
		return ratelimit.NewRedisLimiter(client, rateLimitPrefix, cfg.Requests, cfg.Window)
	}
	return ratelimit.NewMemoryLimiter(cfg.Requests, cfg.Window)
}
