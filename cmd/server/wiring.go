package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/linnemanlabs/go-core/log"

	gc "github.com/linnemanlabs/guardian/internal/cfg"
	"github.com/linnemanlabs/guardian/internal/ingestapi"
	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/llm/claude"
	"github.com/linnemanlabs/guardian/internal/postgres"
	"github.com/linnemanlabs/guardian/internal/queue/memqueue"
	"github.com/linnemanlabs/guardian/internal/queue/redisqueue"
	"github.com/linnemanlabs/guardian/internal/resilient"
	"github.com/linnemanlabs/guardian/internal/tools"
	"github.com/linnemanlabs/guardian/internal/triage"
	"github.com/linnemanlabs/guardian/internal/triage/memstore"
	"github.com/linnemanlabs/guardian/internal/triage/pgstore"
)

// store is everything the pipeline persists or looks up.
type store interface {
	triage.Store
	investigation.InterventionStore
	ingestapi.InterventionReader
	resilient.Recorder
	tools.PlaceSource
	tools.HistorySource
}

// taskQueue carries investigation tasks from intake to the worker pool.
type taskQueue interface {
	triage.TaskQueue
	investigation.Queue
}

var (
	_ store     = (*memstore.Store)(nil)
	_ store     = (*pgstore.Store)(nil)
	_ taskQueue = (*memqueue.Queue)(nil)
	_ taskQueue = (*redisqueue.Queue)(nil)
)

// openStore returns the Postgres store when a database URL is configured,
// else the in-memory store. The returned close func is never nil.
func openStore(ctx context.Context, c *gc.Config, L log.Logger) (store, func(), error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(), func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{
		MaxConns:  int32(c.DBMaxConns), //nolint:gosec // G115: bounded by Validate
		SlowQuery: c.DBSlowQuery,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres store", "max_conns", pool.Config().MaxConns)
	return s, pool.Close, nil
}

// openQueue returns the Redis streams queue when a Redis address is
// configured, else a bounded in-memory queue. The returned close func is
// never nil.
func openQueue(ctx context.Context, c *gc.Config, L log.Logger) (taskQueue, func(), error) {
	if c.RedisAddr == "" {
		q := memqueue.New(c.QueueDepth)
		L.Info(ctx, "using in-memory investigation queue", "depth", c.QueueDepth)
		return q, q.Close, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	consumer := c.RedisConsumer
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "guardian"
		}
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	q, err := redisqueue.New(ctx, rdb, redisqueue.Config{
		Stream:   c.RedisStream,
		Group:    c.RedisGroup,
		Consumer: consumer,
		MaxLen:   int64(c.QueueDepth) * 100,
	}, L)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis queue: %w", err)
	}
	L.Info(ctx, "using redis investigation queue", "stream", c.RedisStream, "group", c.RedisGroup, "consumer", consumer)
	return q, func() { _ = rdb.Close() }, nil
}

// contextTools picks a remote client for each tool with a configured URL and
// the local resolver otherwise. The registry always holds the local
// resolvers so this process can serve them to others.
func contextTools(c *gc.Config, s store) (investigation.LocationTool, investigation.HistoryTool, *tools.Registry) {
	localLocation := tools.NewLocation(s, c.KnownPlaceRadiusM)
	localHistory := tools.NewHistory(s)

	registry := tools.NewRegistry()
	registry.Register(localLocation)
	registry.Register(localHistory)

	var (
		location investigation.LocationTool = localLocation
		history  investigation.HistoryTool  = localHistory
	)
	if c.LocationToolURL != "" || c.HistoryToolURL != "" {
		remote := tools.NewClient(c.LocationToolURL, c.HistoryToolURL)
		if c.LocationToolURL != "" {
			location = remote
		}
		if c.HistoryToolURL != "" {
			history = remote
		}
	}
	return location, history, registry
}

// reasoningProviders returns the classifier provider and the optional message
// composer. Both are nil without an API key, which leaves the classifier on
// its rule-based fallback and the communicator on templates.
func reasoningProviders(c *gc.Config) (classifier, composer investigation.Provider) {
	if c.ClaudeAPIKey == "" {
		return nil, nil
	}
	client := claude.New(c.ClaudeAPIKey, c.ClaudeModel, claude.Options{
		BaseURL:           c.ClaudeBaseURL,
		RequestsPerSecond: c.ClaudeRPS,
	})
	classifier = client
	if c.ComposeMessages {
		composer = client
	}
	return classifier, composer
}

// classifierConfig carries the configured glucose levels to the classifier.
func classifierConfig(c *gc.Config) investigation.ClassifierConfig {
	return investigation.ClassifierConfig{
		RemindBelow:     c.FallbackRemindGlucose,
		ExerciseSafeMin: c.ExerciseSafeMin,
		ExerciseSafeMax: c.ExerciseSafeMax,
	}
}

// upstreamPolicy is the retry policy for tool and notification calls.
func upstreamPolicy(c *gc.Config) resilient.Policy {
	p := resilient.DefaultPolicy()
	p.Timeout = c.ToolTimeout
	p.MaxAttempts = uint(c.UpstreamRetries) + 1 //nolint:gosec // G115: bounded by Validate
	return p
}

// reasoningPolicy is upstreamPolicy with the longer reasoning timeout.
func reasoningPolicy(c *gc.Config) resilient.Policy {
	p := upstreamPolicy(c)
	p.Timeout = c.ReasoningTimeout
	return p
}
