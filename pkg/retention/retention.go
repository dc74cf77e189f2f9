// Package retention runs version-pruning policies against the aspect
// store and drives index rebuilds. Policies are declarative, loaded
// from YAML at startup, and every run is safe to repeat.
package retention

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/metahub-platform/metahub/pkg/aspectstore"
)

// Policy prunes history of one (entityType, aspect) scope. Version 0 is
// never pruned; MaxVersions counts the latest plus retained history.
type Policy struct {
	EntityType  string        `yaml:"entityType"`
	Aspect      string        `yaml:"aspect"`
	MaxVersions int64         `yaml:"maxVersions"`
	MaxAge      time.Duration `yaml:"maxAge"`
	BatchSize   int64         `yaml:"batchSize"`
}

// UnmarshalYAML accepts Go duration strings ("720h") for maxAge.
func (p *Policy) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		EntityType  string `yaml:"entityType"`
		Aspect      string `yaml:"aspect"`
		MaxVersions int64  `yaml:"maxVersions"`
		MaxAge      string `yaml:"maxAge"`
		BatchSize   int64  `yaml:"batchSize"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	p.EntityType = raw.EntityType
	p.Aspect = raw.Aspect
	p.MaxVersions = raw.MaxVersions
	p.BatchSize = raw.BatchSize
	if raw.MaxAge != "" {
		maxAge, err := time.ParseDuration(raw.MaxAge)
		if err != nil {
			return fmt.Errorf("invalid maxAge %q: %w", raw.MaxAge, err)
		}
		p.MaxAge = maxAge
	}
	return nil
}

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadPolicies parses a YAML policy document.
func LoadPolicies(raw []byte) ([]Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse retention policies: %w", err)
	}
	for n, policy := range file.Policies {
		if policy.EntityType == "" || policy.Aspect == "" {
			return nil, fmt.Errorf("retention policy %d names no entityType/aspect scope", n)
		}
		if policy.MaxVersions <= 0 && policy.MaxAge <= 0 {
			return nil, fmt.Errorf("retention policy %d for %s/%s has no maxVersions and no maxAge", n, policy.EntityType, policy.Aspect)
		}
	}
	return file.Policies, nil
}

// LoadPoliciesFile reads and parses a policy file from disk.
func LoadPoliciesFile(path string) ([]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read retention policies from %s: %w", path, err)
	}
	return LoadPolicies(raw)
}

// Report is the outcome of one retention run, per policy.
type Report struct {
	EntityType  string
	Aspect      string
	RowsDeleted int64
	Batches     int64
	Err         error
}

// Rebuilder discards and replays one derived-index scope. The consumer
// runner satisfies this.
type Rebuilder interface {
	Rebuild(ctx context.Context, store *aspectstore.Store, entityType, aspect string) (aspectstore.RestoreResult, error)
}

// Service applies retention policies and coordinates restores.
type Service struct {
	store    *aspectstore.Store
	policies []Policy
}

func NewService(store *aspectstore.Store, policies []Policy) *Service {
	return &Service{store: store, policies: policies}
}

// Run applies every policy once. A failing policy is reported and does
// not stop the others.
func (s *Service) Run(ctx context.Context) []Report {
	reports := make([]Report, 0, len(s.policies))
	for _, policy := range s.policies {
		report := Report{EntityType: policy.EntityType, Aspect: policy.Aspect}

		result, err := s.store.ApplyRetention(ctx, aspectstore.RetentionPolicy{
			Aspect:      policy.Aspect,
			UrnLike:     urnScope(policy.EntityType),
			MaxVersions: policy.MaxVersions,
			MaxAge:      policy.MaxAge,
			BatchSize:   int(policy.BatchSize),
		})
		report.RowsDeleted = result.RowsDeleted
		report.Batches = result.Batches
		report.Err = err

		if err != nil {
			zap.S().Errorf("Retention of %s/%s failed after %d rows: %s", policy.EntityType, policy.Aspect, result.RowsDeleted, err)
		} else {
			zap.S().Infof("Retention of %s/%s deleted %d rows in %d batches", policy.EntityType, policy.Aspect, result.RowsDeleted, result.Batches)
		}
		reports = append(reports, report)
	}
	return reports
}

// Restore rebuilds the derived indices of one scope by replaying the
// versioned store.
func (s *Service) Restore(ctx context.Context, rebuilder Rebuilder, entityType, aspect string) (aspectstore.RestoreResult, error) {
	result, err := rebuilder.Rebuild(ctx, s.store, entityType, aspect)
	if err != nil {
		return result, fmt.Errorf("restore of %s/%s failed: %w", entityType, aspect, err)
	}
	zap.S().Infof("Restore of %s/%s replayed %d rows, ignored %d", entityType, aspect, result.RowsMigrated, result.RowsIgnored)
	return result, nil
}

func urnScope(entityType string) string {
	return "urn:mh:" + entityType + ":%"
}
