// retention-job applies the configured retention policies once and
// exits non-zero if any policy failed. Meant to run as a cron job next
// to the catalog services.
package main

import (
	"context"
	"os"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/pkg/aspectstore"
	"github.com/metahub-platform/metahub/pkg/registry"
	"github.com/metahub-platform/metahub/pkg/retention"
)

func main() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)

	ctx := context.Background()

	registryPath, err := env.GetAsString("REGISTRY_PATH", false, "configs/registry.yaml")
	if err != nil {
		zap.S().Fatalf("Failed to read REGISTRY_PATH: %s", err)
	}
	reg, err := registry.LoadFile(registryPath)
	if err != nil {
		zap.S().Fatalf("Failed to load entity registry: %s", err)
	}

	policiesPath, err := env.GetAsString("RETENTION_POLICIES_PATH", false, "configs/retention.yaml")
	if err != nil {
		zap.S().Fatalf("Failed to read RETENTION_POLICIES_PATH: %s", err)
	}
	policies, err := retention.LoadPoliciesFile(policiesPath)
	if err != nil {
		zap.S().Fatalf("Failed to load retention policies: %s", err)
	}
	if len(policies) == 0 {
		zap.S().Warnf("No retention policies configured, nothing to do")
		return
	}

	store, err := aspectstore.Connect(ctx, reg)
	if err != nil {
		zap.S().Fatalf("Failed to connect to the aspect store: %s", err)
	}

	reports := retention.NewService(store, policies).Run(ctx)

	failed := 0
	var totalDeleted int64
	for _, report := range reports {
		if report.Err != nil {
			failed++
			continue
		}
		totalDeleted += report.RowsDeleted
	}
	zap.S().Infof("Retention run finished: %d policies, %d rows deleted, %d failed", len(reports), totalDeleted, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
