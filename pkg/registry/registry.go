package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

var (
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrUnknownAspect     = errors.New("unknown aspect")
)

// Registry is the static schema catalog. It is loaded once at process
// start and is read-only afterwards, so concurrent lookups need no
// locking.
type Registry struct {
	entities map[string]*datamodel.EntitySpec
}

type fileFormat struct {
	Entities []entityYaml `yaml:"entities"`
}

type entityYaml struct {
	Name      string       `yaml:"name"`
	KeyAspect string       `yaml:"keyAspect"`
	Aspects   []aspectYaml `yaml:"aspects"`
}

type aspectYaml struct {
	Name            string         `yaml:"name"`
	Timeseries      bool           `yaml:"timeseries"`
	Key             bool           `yaml:"key"`
	Schema          map[string]any `yaml:"schema"`
	MaxPayloadBytes int            `yaml:"maxPayloadBytes"`
	CacheTTLSeconds int            `yaml:"cacheTTLSeconds"`
	Searchable      []struct {
		Path  string `yaml:"path"`
		Facet bool   `yaml:"facet"`
	} `yaml:"searchable"`
	Relationships []struct {
		Name string `yaml:"name"`
		Path string `yaml:"path"`
	} `yaml:"relationships"`
	BrowsePath string `yaml:"browsePath"`
}

// LoadFile reads and compiles the registry from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file %s: %w", path, err)
	}
	return Load(data)
}

// Load parses the YAML registry definition and compiles all aspect
// payload schemas.
func Load(data []byte) (*Registry, error) {
	var file fileFormat
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry yaml: %w", err)
	}
	if len(file.Entities) == 0 {
		return nil, errors.New("registry defines no entities")
	}

	entities := make(map[string]*datamodel.EntitySpec, len(file.Entities))
	for _, e := range file.Entities {
		if e.Name == "" {
			return nil, errors.New("registry entity with empty name")
		}
		if _, dup := entities[e.Name]; dup {
			return nil, fmt.Errorf("duplicate entity type %q", e.Name)
		}

		aspects := make([]*datamodel.AspectSpec, 0, len(e.Aspects))
		keyAspect := e.KeyAspect
		for _, a := range e.Aspects {
			spec, err := buildAspectSpec(e.Name, a)
			if err != nil {
				return nil, err
			}
			if a.Key && keyAspect == "" {
				keyAspect = a.Name
			}
			aspects = append(aspects, spec)
		}
		if keyAspect == "" {
			return nil, fmt.Errorf("entity type %q has no key aspect", e.Name)
		}

		entities[e.Name] = datamodel.NewEntitySpec(e.Name, keyAspect, aspects)
		zap.S().Debugf("Registered entity type %s with %d aspects", e.Name, len(aspects))
	}

	return &Registry{entities: entities}, nil
}

func buildAspectSpec(entityType string, a aspectYaml) (*datamodel.AspectSpec, error) {
	if a.Name == "" {
		return nil, fmt.Errorf("entity type %q has an aspect with empty name", entityType)
	}

	spec := &datamodel.AspectSpec{
		Name:               a.Name,
		Timeseries:         a.Timeseries,
		Key:                a.Key,
		MaxPayloadBytes:    a.MaxPayloadBytes,
		CacheTTL:           time.Duration(a.CacheTTLSeconds) * time.Second,
		BrowsePathTemplate: a.BrowsePath,
	}
	for _, s := range a.Searchable {
		spec.Searchable = append(spec.Searchable, datamodel.SearchFieldSpec{Path: s.Path, Facet: s.Facet})
	}
	for _, r := range a.Relationships {
		spec.Relationships = append(spec.Relationships, datamodel.RelationshipSpec{Name: r.Name, Path: r.Path})
	}

	if len(a.Schema) > 0 {
		schema, err := compileSchema(entityType, a.Name, a.Schema)
		if err != nil {
			return nil, err
		}
		spec.Schema = schema
	}
	return spec, nil
}

func compileSchema(entityType, aspect string, raw map[string]any) (*jsonschema.Schema, error) {
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema for %s.%s: %w", entityType, aspect, err)
	}
	url := fmt.Sprintf("registry:///%s/%s.json", entityType, aspect)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(asJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource for %s.%s: %w", entityType, aspect, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s.%s: %w", entityType, aspect, err)
	}
	return schema, nil
}

// EntitySpec returns the spec for the given entity type.
func (r *Registry) EntitySpec(entityType string) (*datamodel.EntitySpec, error) {
	spec, ok := r.entities[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return spec, nil
}

// AspectSpec returns the spec for the given (entityType, aspect) pair.
func (r *Registry) AspectSpec(entityType, aspect string) (*datamodel.AspectSpec, error) {
	entity, err := r.EntitySpec(entityType)
	if err != nil {
		return nil, err
	}
	spec := entity.Aspect(aspect)
	if spec == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAspect, entityType, aspect)
	}
	return spec, nil
}

// EntityTypes lists all registered entity type names.
func (r *Registry) EntityTypes() []string {
	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	return names
}
