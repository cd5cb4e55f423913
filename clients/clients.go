package clients

import (
	"whalewatch/clients/notifier"
	"whalewatch/clients/tradesource"
	"whalewatch/config"

	"go.uber.org/zap"
)

// Clients bundles the seams to external collaborators. Source, Stream and
// Resolutions are optional; the coordinator runs whichever paths are wired.
type Clients struct {
	Logger *zap.Logger

	Notifier    notifier.Notifier
	Source      tradesource.TradeSource
	Stream      tradesource.Subscriber
	Resolutions tradesource.ResolutionProvider
}

func NewClients(logger *zap.Logger, cfg *config.Config) *Clients {
	// The log notifier is always present; delivery channels are attached by
	// the embedding service.
	multiNotifier := notifier.NewMultiNotifier(notifier.NewLogNotifier(logger))

	c := &Clients{
		Logger:   logger,
		Notifier: multiNotifier,
	}

	if cfg.Ingest.StreamURL != "" {
		c.Stream = tradesource.NewStreamSource(logger, cfg.Ingest.StreamURL)
	}

	return c
}
