// Package events publishes entity-change and deployment notifications so
// downstream consumers (activity feeds, cache invalidation, audit pipelines)
// can react without polling the store.
package events

import "context"

// Event topic constants.
const (
	TopicEntityCreated = "dataflow.entity.created"
	TopicEntityUpdated = "dataflow.entity.updated"
	TopicEntityDeleted = "dataflow.entity.deleted"

	TopicDeployCommitted = "dataflow.deploy.committed"
)

// EntityCreated is published after a record insert (single or batch).
type EntityCreated struct {
	Entity string         `json:"entity"`
	Record map[string]any `json:"record"`
}

// EntityUpdated is published after a shallow-merge update. Changes holds the
// merged fields as submitted (post redaction-marker stripping).
type EntityUpdated struct {
	Entity  string         `json:"entity"`
	ID      string         `json:"id"`
	Changes map[string]any `json:"changes"`
}

// EntityDeleted is published after a hard delete.
type EntityDeleted struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

// DeployCommitted is published after a successful GitLab deployment commit.
type DeployCommitted struct {
	Branch   string   `json:"branch"`
	CommitID string   `json:"commit_id"`
	Files    []string `json:"files"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
