package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/internal"
	"github.com/metahub-platform/metahub/pkg/aspectstore"
	"github.com/metahub-platform/metahub/pkg/consumers"
	"github.com/metahub-platform/metahub/pkg/eventbus"
	"github.com/metahub-platform/metahub/pkg/graphindex"
	"github.com/metahub-platform/metahub/pkg/hooks"
	"github.com/metahub-platform/metahub/pkg/processor"
	"github.com/metahub-platform/metahub/pkg/registry"
	"github.com/metahub-platform/metahub/pkg/searchindex"
	"github.com/metahub-platform/metahub/pkg/validation"
)

var errDatabaseDown = errors.New("database is not reachable")

func main() {
	InitLogging()
	internal.Initfgtrace()
	internal.StartMemoryWatcher()
	InitPrometheus()

	ctx, cancel := context.WithCancel(context.Background())

	registryPath, err := env.GetAsString("REGISTRY_PATH", false, "configs/registry.yaml")
	if err != nil {
		zap.S().Fatalf("Failed to read REGISTRY_PATH: %s", err)
	}
	reg, err := registry.LoadFile(registryPath)
	if err != nil {
		zap.S().Fatalf("Failed to load entity registry: %s", err)
	}

	store, err := aspectstore.Connect(ctx, reg)
	if err != nil {
		zap.S().Fatalf("Failed to connect to the aspect store: %s", err)
	}

	docs, err := searchindex.ConnectRedis(ctx)
	if err != nil {
		zap.S().Fatalf("Failed to connect to the search document store: %s", err)
	}

	graph, err := graphindex.NewIndexer(store.DB(), reg)
	if err != nil {
		zap.S().Fatalf("Failed to build the graph index: %s", err)
	}

	brokers, err := eventbus.BrokersFromEnv()
	if err != nil {
		zap.S().Fatalf("Failed to read KAFKA_BROKERS: %s", err)
	}
	publisher, err := eventbus.NewKafkaPublisher(brokers)
	if err != nil {
		zap.S().Fatalf("Failed to connect the change-log publisher: %s", err)
	}
	// Hook output goes through a full processor, so rollup writes obey
	// the same validation and versioning as client writes.
	proc, err := processor.New(store, validation.NewChain(reg), publisher, processor.Options{})
	if err != nil {
		zap.S().Fatalf("Failed to build the hook processor: %s", err)
	}

	groupID, err := env.GetAsString("KAFKA_CONSUMER_GROUP", false, "index-sync")
	if err != nil {
		zap.S().Fatalf("Failed to read KAFKA_CONSUMER_GROUP: %s", err)
	}
	subscriber, err := eventbus.NewKafkaSubscriber(brokers, groupID)
	if err != nil {
		zap.S().Fatalf("Failed to join the change-log consumer group: %s", err)
	}

	failureMode, err := consumers.FailureModeFromEnv()
	if err != nil {
		zap.S().Fatalf("Failed to read CONSUMER_FAILURE_MODE: %s", err)
	}
	runner := consumers.NewRunner(subscriber, failureMode,
		searchindex.NewIndexer(docs, reg),
		graph,
		hooks.NewDispatcher(proc, hooks.NewIncidentRollup(store, reg)),
	)

	InitHealthCheck(store, docs, subscriber)

	shutdown := internal.NewGracefulShutdown(func() error {
		cancel()
		if err := subscriber.Close(); err != nil {
			zap.S().Warnf("Failed to close subscriber: %s", err)
		}
		return publisher.Close()
	})

	go func() {
		if err := runner.Run(ctx, reg.EntityTypes()); err != nil && ctx.Err() == nil {
			zap.S().Errorf("Consumer runner stopped: %s", err)
			shutdown.Shutdown()
		}
	}()

	shutdown.Wait()
}

func InitLogging() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)
}

func InitPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(store *aspectstore.Store, docs *searchindex.RedisDocStore, subscriber *eventbus.KafkaSubscriber) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("database", func() error {
		if !store.IsAvailable() {
			return errDatabaseDown
		}
		return nil
	})
	health.AddReadinessCheck("redis", func() error {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), internal.FiveSeconds)
		defer pingCancel()
		return docs.Ping(pingCtx)
	})
	health.AddReadinessCheck("kafka", subscriber.GetReadinessCheck())
	health.AddLivenessCheck("kafka", subscriber.GetLivenessCheck())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
