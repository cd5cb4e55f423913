package tradesource

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"whalewatch/clients/tradestream"
)

// StreamSource is a push adapter over the generic WebSocket transport. It
// expects each frame to be a Trade-shaped JSON object; whatever bridges a
// venue feed into that shape lives outside this module. Malformed frames are
// dropped and logged, never fatal.
type StreamSource struct {
	logger *zap.Logger
	client *tradestream.Client
}

func NewStreamSource(logger *zap.Logger, url string) *StreamSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamSource{
		logger: logger,
		client: tradestream.NewClient(logger, url),
	}
}

// Subscribe connects the stream and starts decoding frames into trades. The
// returned error channel reports a dead subscription; the caller owns the
// reconnect policy and calls Subscribe again.
func (s *StreamSource) Subscribe(ctx context.Context) (<-chan Trade, <-chan error, error) {
	if err := s.client.Connect(ctx, nil); err != nil {
		return nil, nil, err
	}

	trades := make(chan Trade, 256)
	errs := make(chan error, 1)

	go func() {
		defer close(trades)
		for {
			select {
			case <-ctx.Done():
				_ = s.client.Close()
				return
			case err := <-s.client.Errors():
				select {
				case errs <- err:
				default:
				}
				return
			case raw := <-s.client.Messages():
				var t Trade
				if err := json.Unmarshal(raw, &t); err != nil {
					s.logger.Warn("dropping undecodable frame", zap.Error(err))
					continue
				}
				if err := t.Validate(); err != nil {
					s.logger.Warn("dropping malformed trade", zap.Error(err))
					continue
				}
				select {
				case trades <- t:
				case <-ctx.Done():
					_ = s.client.Close()
					return
				}
			}
		}
	}()

	return trades, errs, nil
}

// Stats exposes the underlying transport counters.
func (s *StreamSource) Stats() tradestream.StreamStats {
	return s.client.Stats()
}

// Close tears down the underlying connection.
func (s *StreamSource) Close() error {
	return s.client.Close()
}
