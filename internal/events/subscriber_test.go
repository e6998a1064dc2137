package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestSubscriberReceivesPublishedEvent(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sub, err := NewSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	if err := sub.Listen(ctx, TopicEntityCreated, func(_ string, payload []byte) {
		received <- payload
	}); err != nil {
		t.Fatalf("listening: %v", err)
	}

	event := EntityCreated{
		Entity: "pipeline",
		Record: map[string]any{"name": "daily-load"},
	}
	if err := pub.Publish(context.Background(), TopicEntityCreated, event); err != nil {
		t.Fatalf("publishing: %v", err)
	}

	select {
	case payload := <-received:
		var got EntityCreated
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		if got.Entity != "pipeline" {
			t.Errorf("entity = %q, want %q", got.Entity, "pipeline")
		}
		if got.Record["name"] != "daily-load" {
			t.Errorf("record name = %v, want %q", got.Record["name"], "daily-load")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberWildcardReceivesAllTopics(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sub, err := NewSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type message struct {
		topic   string
		payload []byte
	}
	received := make(chan message, 2)
	if err := sub.Listen(ctx, "dataflow.>", func(topic string, payload []byte) {
		received <- message{topic, payload}
	}); err != nil {
		t.Fatalf("listening: %v", err)
	}

	if err := pub.Publish(context.Background(), TopicEntityDeleted, EntityDeleted{Entity: "connection", ID: "7"}); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	if err := pub.Publish(context.Background(), TopicDeployCommitted, DeployCommitted{Branch: "main", CommitID: "abc123"}); err != nil {
		t.Fatalf("publishing: %v", err)
	}

	topics := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			topics[msg.topic] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d messages", i)
		}
	}
	if !topics[TopicEntityDeleted] || !topics[TopicDeployCommitted] {
		t.Errorf("received topics %v, want both %q and %q", topics, TopicEntityDeleted, TopicDeployCommitted)
	}
}

func TestSubscriberCancelStopsDelivery(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sub, err := NewSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan []byte, 1)
	if err := sub.Listen(ctx, TopicEntityUpdated, func(_ string, payload []byte) {
		received <- payload
	}); err != nil {
		t.Fatalf("listening: %v", err)
	}

	cancel()
	// Give the unsubscribe goroutine a moment to run.
	time.Sleep(50 * time.Millisecond)

	if err := pub.Publish(context.Background(), TopicEntityUpdated, EntityUpdated{Entity: "pipeline", ID: "1"}); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	pub.conn.Flush()

	select {
	case <-received:
		t.Fatal("received event after cancel")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNoopPublisher(t *testing.T) {
	p := NoopPublisher{}
	if err := p.Publish(context.Background(), TopicEntityCreated, EntityCreated{Entity: "pipeline"}); err != nil {
		t.Errorf("publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
