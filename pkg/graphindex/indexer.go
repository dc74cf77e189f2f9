// Package graphindex maintains the relationship edges derived from
// list-valued aspect payloads. Edges live in postgres next to the
// versioned store but are derived state: rebuildable at any time.
package graphindex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/pkg/aspectstore"
	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/registry"
)

const consumerName = "graphindex"

// Edge is one directed relationship between two entities.
type Edge struct {
	SourceUrn      string `json:"sourceUrn"`
	Relationship   string `json:"relationship"`
	DestinationUrn string `json:"destinationUrn"`
}

// Indexer applies change-log events to the edge table. An aspect that
// carries a relationship path fully owns the edges of that relationship
// from the source urn: every apply replaces them wholesale.
type Indexer struct {
	db       aspectstore.DB
	registry *registry.Registry

	// seqCache short-circuits the per-event state lookup for urns seen
	// recently on this instance. The table stays authoritative.
	seqCache *lru.ARCCache
}

func NewIndexer(db aspectstore.DB, reg *registry.Registry) (*Indexer, error) {
	seqCache, err := lru.NewARC(10000)
	if err != nil {
		return nil, err
	}
	return &Indexer{db: db, registry: reg, seqCache: seqCache}, nil
}

func (i *Indexer) Name() string { return consumerName }

func (i *Indexer) Eligible(event *datamodel.MetadataChangeLog) bool {
	spec, err := i.registry.AspectSpec(event.EntityType, event.Aspect)
	if err != nil || spec.Timeseries {
		return false
	}
	return len(spec.Relationships) > 0
}

func (i *Indexer) Apply(ctx context.Context, event *datamodel.MetadataChangeLog) error {
	rawUrn := event.Urn.String()
	cacheKey := rawUrn + "|" + event.Aspect
	if cached, ok := i.seqCache.Get(cacheKey); ok {
		if cached.(int64) >= event.Sequence {
			zap.S().Debugf("Skipping stale event %s/%s seq %d (cached seq %d)", rawUrn, event.Aspect, event.Sequence, cached)
			return nil
		}
	}

	spec, err := i.registry.AspectSpec(event.EntityType, event.Aspect)
	if err != nil {
		return err
	}

	edges, err := edgesFromEvent(event, spec)
	if err != nil {
		return err
	}

	tx, err := i.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	applied, err := i.advanceSequence(ctx, tx, rawUrn, event.Aspect, event.Sequence)
	if err != nil {
		return err
	}
	if !applied {
		// Another instance (or an earlier delivery) already applied this
		// or a newer event.
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		i.seqCache.Add(cacheKey, event.Sequence)
		return nil
	}

	for _, rel := range spec.Relationships {
		_, err := tx.Exec(ctx, `DELETE FROM metadata_edges WHERE source_urn = $1 AND relationship = $2`, rawUrn, rel.Name)
		if err != nil {
			return fmt.Errorf("failed to clear %s edges of %s: %w", rel.Name, rawUrn, err)
		}
	}
	if len(edges) > 0 {
		rows := make([][]any, len(edges))
		for n, e := range edges {
			rows[n] = []any{e.SourceUrn, e.Relationship, e.DestinationUrn}
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"metadata_edges"},
			[]string{"source_urn", "relationship", "destination_urn"}, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to insert %d edges of %s: %w", len(edges), rawUrn, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	i.seqCache.Add(cacheKey, event.Sequence)
	zap.S().Debugf("Applied %s/%s seq %d: %d edges", rawUrn, event.Aspect, event.Sequence, len(edges))
	return nil
}

// advanceSequence moves the stored consumer sequence forward. Returns
// false when the stored sequence is already at or past the event's.
func (i *Indexer) advanceSequence(ctx context.Context, tx pgx.Tx, rawUrn, aspect string, sequence int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO metadata_index_state (consumer, urn, aspect, sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (consumer, urn, aspect)
		DO UPDATE SET sequence = EXCLUDED.sequence WHERE metadata_index_state.sequence < EXCLUDED.sequence`,
		consumerName, rawUrn, aspect, sequence)
	if err != nil {
		return false, fmt.Errorf("failed to advance index state of %s/%s: %w", rawUrn, aspect, err)
	}
	return tag.RowsAffected() > 0, nil
}

// edgesFromEvent extracts destination urns from the payload for every
// relationship path of the aspect. Deletes yield no edges.
func edgesFromEvent(event *datamodel.MetadataChangeLog, spec *datamodel.AspectSpec) ([]Edge, error) {
	if event.IsDelete() {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(event.NewPayload, &payload); err != nil {
		return nil, fmt.Errorf("unindexable payload for %s/%s: %w", event.Urn, event.Aspect, err)
	}

	rawUrn := event.Urn.String()
	var edges []Edge
	for _, rel := range spec.Relationships {
		for _, destination := range destinationsAt(payload, rel.Path) {
			if _, err := datamodel.ParseUrn(destination); err != nil {
				zap.S().Warnf("Skipping %s edge of %s to unparseable urn %q", rel.Name, rawUrn, destination)
				continue
			}
			edges = append(edges, Edge{SourceUrn: rawUrn, Relationship: rel.Name, DestinationUrn: destination})
		}
	}
	return edges, nil
}

// destinationsAt reads a string or list-of-strings value at a
// dot-separated path.
func destinationsAt(payload map[string]any, path string) []string {
	var current any = payload
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}
	switch v := current.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Rebuild drops the edges and index state owned by one (entityType,
// aspect) scope. The caller replays the versioned store afterwards.
func (i *Indexer) Rebuild(ctx context.Context, entityType, aspect string) error {
	spec, err := i.registry.AspectSpec(entityType, aspect)
	if err != nil {
		return err
	}
	urnLike := "urn:mh:" + entityType + ":%"

	tx, err := i.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	for _, rel := range spec.Relationships {
		tag, err := tx.Exec(ctx, `DELETE FROM metadata_edges WHERE relationship = $1 AND source_urn LIKE $2`, rel.Name, urnLike)
		if err != nil {
			return fmt.Errorf("failed to drop %s edges: %w", rel.Name, err)
		}
		zap.S().Infof("Graph index reset: dropped %d %s edges", tag.RowsAffected(), rel.Name)
	}
	_, err = tx.Exec(ctx, `DELETE FROM metadata_index_state WHERE consumer = $1 AND aspect = $2 AND urn LIKE $3`,
		consumerName, aspect, urnLike)
	if err != nil {
		return fmt.Errorf("failed to drop index state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	i.seqCache.Purge()
	return nil
}

// Neighbors lists edges touching one urn. Outgoing edges have the urn as
// source, incoming as destination.
func (i *Indexer) Neighbors(ctx context.Context, urn datamodel.Urn, relationship string, outgoing bool) ([]Edge, error) {
	column := "source_urn"
	if !outgoing {
		column = "destination_urn"
	}
	query := `SELECT source_urn, relationship, destination_urn FROM metadata_edges WHERE ` + column + ` = $1`
	args := []any{urn.String()}
	if relationship != "" {
		query += ` AND relationship = $2`
		args = append(args, relationship)
	}

	rows, err := i.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.SourceUrn, &e.Relationship, &e.DestinationUrn); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		zap.S().Errorf("Failed to rollback transaction: %s", err)
	}
}
