package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"opsdash/backend/internal/domain"
)

const EventRunCompleted = "costing.run.completed"

type RunCompletedEvent struct {
	Event      string              `json:"event"`
	RunID      string              `json:"run_id"`
	ArchiveURI string              `json:"archive_uri,omitempty"`
	Summary    domain.BatchSummary `json:"summary"`
	OccurredAt time.Time           `json:"occurred_at"`
}

type Publisher interface {
	PublishRunCompleted(ctx context.Context, event RunCompletedEvent) error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishRunCompleted(_ context.Context, _ RunCompletedEvent) error {
	return nil
}

// PubSubPublisher sends events to one Google Pub/Sub topic.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func NewPubSubPublisher(ctx context.Context, projectID string, topicID string, credentialsJSON string) (*PubSubPublisher, error) {
	projectID = strings.TrimSpace(projectID)
	topicID = strings.TrimSpace(topicID)
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}

	var (
		client *pubsub.Client
		err    error
	)
	if strings.TrimSpace(credentialsJSON) != "" {
		client, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credentialsJSON)))
	} else {
		client, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}
	return &PubSubPublisher{client: client, topic: client.Topic(topicID)}, nil
}

func (p *PubSubPublisher) PublishRunCompleted(ctx context.Context, event RunCompletedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": event.Event, "run_id": event.RunID},
	})
	_, err = result.Get(ctx)
	return err
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []RunCompletedEvent
}

func (r *Recorder) PublishRunCompleted(_ context.Context, event RunCompletedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []RunCompletedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunCompletedEvent(nil), r.events...)
}
