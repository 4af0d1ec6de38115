package logs

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/ws"
)

// Service fans build log chunks out to websocket followers. Persistence is
// handled by the deploy service; this only covers the live stream.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log streaming service.
func New(hub *ws.Hub, logger *slog.Logger) Service {
	return Service{hub: hub, logger: logger}
}

// Publish sends a log chunk to websocket clients following the deployment.
func (s Service) Publish(chunk domain.LogChunk) {
	data, err := MarshalChunk(chunk)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(chunk.DeploymentID, data)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalChunk formats a log chunk for streaming payloads.
func MarshalChunk(chunk domain.LogChunk) ([]byte, error) {
	payload := map[string]any{
		"deployment_id": chunk.DeploymentID,
		"seq":           chunk.Seq,
		"chunk":         chunk.Chunk,
		"created_at":    chunk.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
