// Package eventbus moves change-log events between the commit path and the
// index consumers. Events are partitioned by urn, so all changes to one
// entity arrive in commit order; delivery is at-least-once and consumers
// deduplicate on the event sequence.
package eventbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

// TopicPrefix is shared by every change-log topic. One topic per entity
// type keeps consumer groups scoped to the entities they index.
const TopicPrefix = "mh.v1.mcl."

// TopicForEntity returns the change-log topic of one entity type.
func TopicForEntity(entityType string) string {
	return TopicPrefix + entityType
}

// EntityFromTopic is the inverse of TopicForEntity.
func EntityFromTopic(topic string) (string, error) {
	if !strings.HasPrefix(topic, TopicPrefix) || len(topic) == len(TopicPrefix) {
		return "", fmt.Errorf("not a change-log topic: %q", topic)
	}
	return topic[len(TopicPrefix):], nil
}

// Handler processes one delivered event. Returning nil acknowledges the
// event; returning an error leaves it unacknowledged for redelivery.
type Handler func(ctx context.Context, event *datamodel.MetadataChangeLog) error

// Publisher emits committed change-log events.
type Publisher interface {
	Publish(ctx context.Context, event *datamodel.MetadataChangeLog) error
	Close() error
}

// Subscriber delivers change-log events of the given entity types to a
// handler, in partition order, until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, entityTypes []string, handler Handler) error
	Close() error
}

// EncodeEvent serializes an event for the wire.
func EncodeEvent(event *datamodel.MetadataChangeLog) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("cannot encode nil event")
	}
	return json.Marshal(event)
}

// DecodeEvent parses a wire payload back into an event.
func DecodeEvent(value []byte) (*datamodel.MetadataChangeLog, error) {
	var event datamodel.MetadataChangeLog
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, fmt.Errorf("failed to decode change-log event: %w", err)
	}
	if !event.ChangeType.Valid() {
		return nil, fmt.Errorf("decoded change-log event has invalid change type %q", event.ChangeType)
	}
	return &event, nil
}
