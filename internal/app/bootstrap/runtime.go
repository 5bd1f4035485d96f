package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-voice-booking/internal/callstate"
	appconfig "github.com/wolfman30/clinic-voice-booking/internal/config"
	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildSessionStore selects the call session backend named by SESSION_BACKEND.
// The memory backend is for local development only; it does not survive a
// restart and is not shared between instances.
func BuildSessionStore(cfg *appconfig.Config, rdb *redis.Client, awsCfg *aws.Config, logger *logging.Logger) (dialogue.SessionStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	switch cfg.SessionBackend {
	case appconfig.SessionBackendMemory:
		logger.Warn("using in-memory session store")
		return dialogue.NewMemoryStore(), nil
	case appconfig.SessionBackendRedis, "":
		if rdb == nil {
			return nil, fmt.Errorf("bootstrap: redis session backend requires REDIS_ADDR")
		}
		return callstate.NewRedisStore(rdb, cfg.SessionTTL, cfg.EndedSessionTTL, logger), nil
	case appconfig.SessionBackendDynamoDB:
		if awsCfg == nil {
			return nil, fmt.Errorf("bootstrap: dynamodb session backend requires AWS config")
		}
		client := dynamodb.NewFromConfig(*awsCfg)
		return callstate.NewDynamoStore(client, cfg.SessionTable, cfg.SessionTTL, cfg.EndedSessionTTL, logger), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown session backend %q", cfg.SessionBackend)
	}
}
