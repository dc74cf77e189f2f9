package main

import (
	"context"
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/internal"
	"github.com/metahub-platform/metahub/pkg/aspectstore"
	"github.com/metahub-platform/metahub/pkg/consumers"
	"github.com/metahub-platform/metahub/pkg/eventbus"
	"github.com/metahub-platform/metahub/pkg/graphindex"
	"github.com/metahub-platform/metahub/pkg/processor"
	"github.com/metahub-platform/metahub/pkg/readcache"
	"github.com/metahub-platform/metahub/pkg/registry"
	"github.com/metahub-platform/metahub/pkg/retention"
	"github.com/metahub-platform/metahub/pkg/searchindex"
	"github.com/metahub-platform/metahub/pkg/validation"
)

func main() {
	InitLogging()
	internal.Initfgtrace()
	internal.StartMemoryWatcher()
	InitPrometheus()

	ctx := context.Background()

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
	store.StartTimeseriesWorker(ctx)

	brokers, err := eventbus.BrokersFromEnv()
	if err != nil {
		zap.S().Fatalf("Failed to read KAFKA_BROKERS: %s", err)
	}
	publisher, err := eventbus.NewKafkaPublisher(brokers)
	if err != nil {
		zap.S().Fatalf("Failed to connect the change-log publisher: %s", err)
	}

	publishMode, err := processor.PublishModeFromEnv()
	if err != nil {
		zap.S().Fatalf("Failed to read PUBLISH_MODE: %s", err)
	}
	retryQueuePath, err := env.GetAsString("PUBLISH_RETRY_QUEUE_PATH", false, "")
	if err != nil {
		zap.S().Fatalf("Failed to read PUBLISH_RETRY_QUEUE_PATH: %s", err)
	}
	proc, err := processor.New(store, validation.NewChain(reg), publisher, processor.Options{
		PublishMode:    publishMode,
		RetryQueuePath: retryQueuePath,
	})
	if err != nil {
		zap.S().Fatalf("Failed to build the change proposal processor: %s", err)
	}
	proc.StartPublishRetryWorker(ctx)

	cache, err := readcache.NewFromEnv(store, reg)
	if err != nil {
		zap.S().Fatalf("Failed to build the read cache: %s", err)
	}
	RegisterMetrics(proc, store, cache)

	docs, err := searchindex.ConnectRedis(ctx)
	if err != nil {
		zap.S().Fatalf("Failed to connect to the search document store: %s", err)
	}
	searchCache := internal.NewTieredCache(docs.Client(), 0, 0)

	graph, err := graphindex.NewIndexer(store.DB(), reg)
	if err != nil {
		zap.S().Fatalf("Failed to build the graph index: %s", err)
	}

	// The restore path reuses the steady-state appliers, minus the bus.
	rebuildRunner := consumers.NewRunner(eventbus.NewMemoryBus(), consumers.FailureModeHalt,
		searchindex.NewIndexer(docs, reg), graph)
	restorer := retention.NewService(store, nil)

	InitHealthCheck(store, docs)

	api := &apiServer{
		registry:    reg,
		store:       store,
		processor:   proc,
		cache:       cache,
		docs:        docs,
		searchCache: searchCache,
		graph:       graph,
		runner:      rebuildRunner,
		restorer:    restorer,
	}
	SetupRestAPI(api)
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

func RegisterMetrics(proc *processor.Processor, store *aspectstore.Store, cache *readcache.Cache) {
	gauge := func(name, help string, value func() float64) {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "metahub", Name: name, Help: help}, value))
	}
	gauge("proposals_received_total", "Proposals received by the processor",
		func() float64 { return float64(proc.GetMetrics().Received) })
	gauge("proposals_committed_total", "Proposals durably committed",
		func() float64 { return float64(proc.GetMetrics().Committed) })
	gauge("proposals_rejected_total", "Proposals rejected by validation",
		func() float64 { return float64(proc.GetMetrics().Rejected) })
	gauge("commit_conflicts_total", "Compare-and-swap conflicts observed",
		func() float64 { return float64(proc.GetMetrics().Conflicts) })
	gauge("publish_retry_queue_depth", "Change-log events waiting for republish",
		func() float64 { return float64(proc.GetMetrics().RetryQueueDepth) })
	gauge("store_writes_total", "Aspect store writes",
		func() float64 { return float64(store.GetMetrics().Writes) })
	gauge("read_cache_hits_total", "Read cache hits",
		func() float64 { return float64(cache.GetMetrics().Hits) })
	gauge("read_cache_misses_total", "Read cache misses",
		func() float64 { return float64(cache.GetMetrics().Misses) })
}

func InitHealthCheck(store *aspectstore.Store, docs *searchindex.RedisDocStore) {
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
		ctx, cancel := context.WithTimeout(context.Background(), internal.FiveSeconds)
		defer cancel()
		return docs.Ping(ctx)
	})
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
