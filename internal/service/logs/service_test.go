package logs

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/ws"
)

type captureClient struct {
	received chan []byte
}

func (c *captureClient) Send(payload []byte) error {
	c.received <- payload
	return nil
}

func (c *captureClient) Close() {}

func TestPublishReachesSubscribers(t *testing.T) {
	hub := ws.NewHub()
	svc := New(hub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	client := &captureClient{received: make(chan []byte, 4)}
	hub.Register("deploy-1", client)

	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	svc.Publish(domain.LogChunk{
		DeploymentID: "deploy-1",
		Seq:          3,
		Chunk:        "compiling...\n",
		CreatedAt:    created,
	})

	select {
	case payload := <-client.received:
		var decoded map[string]any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if decoded["deployment_id"] != "deploy-1" {
			t.Fatalf("unexpected deployment_id %v", decoded["deployment_id"])
		}
		if decoded["seq"] != float64(3) {
			t.Fatalf("unexpected seq %v", decoded["seq"])
		}
		if decoded["chunk"] != "compiling...\n" {
			t.Fatalf("unexpected chunk %v", decoded["chunk"])
		}
		if decoded["created_at"] != created.Format(time.RFC3339Nano) {
			t.Fatalf("unexpected created_at %v", decoded["created_at"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestPublishToDifferentDeploymentIsNotDelivered(t *testing.T) {
	hub := ws.NewHub()
	svc := New(hub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	client := &captureClient{received: make(chan []byte, 4)}
	hub.Register("deploy-1", client)

	svc.Publish(domain.LogChunk{DeploymentID: "deploy-2", Seq: 1, Chunk: "other"})
	// A follow-up for the subscribed deployment proves the hub processed both.
	svc.Publish(domain.LogChunk{DeploymentID: "deploy-1", Seq: 1, Chunk: "mine"})

	select {
	case payload := <-client.received:
		var decoded map[string]any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if decoded["chunk"] != "mine" {
			t.Fatalf("received a chunk for another deployment: %v", decoded["chunk"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}
