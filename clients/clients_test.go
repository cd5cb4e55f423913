package clients

import (
	"testing"

	"go.uber.org/zap"

	"whalewatch/config"
)

func TestNewClients(t *testing.T) {
	cfg := config.Defaults()

	logger := zap.NewNop()
	clients := NewClients(logger, cfg)

	if clients.Logger != logger {
		t.Error("unexpected logger")
	}
	if clients.Notifier == nil {
		t.Error("expected notifier to be set")
	}
	if clients.Stream != nil {
		t.Error("expected stream to be nil without a stream URL")
	}
}

func TestNewClients_StreamMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ingest.StreamURL = "wss://stream.example.com/trades"

	clients := NewClients(zap.NewNop(), cfg)

	if clients.Stream == nil {
		t.Error("expected stream subscriber when a stream URL is configured")
	}
}
