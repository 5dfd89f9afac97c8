package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Publisher sends dictation events to the bus. Publish failures are logged
// and dropped; events are advisory.
type Publisher struct {
	client *Client
	log    *slog.Logger
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{
		client: client,
		log:    client.Logger().With(slog.String("component", "bus-publisher")),
	}
}

// EnsureResultStream creates the JetStream stream that retains results.
// Servers without JetStream are tolerated.
func (p *Publisher) EnsureResultStream(maxAge time.Duration) error {
	_, err := p.client.JetStream().AddStream(&nats.StreamConfig{
		Name:     protocol.StreamResults,
		Subjects: []string{protocol.SubjectResult},
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	})
	switch {
	case err == nil, errors.Is(err, nats.ErrStreamNameAlreadyInUse):
		return nil
	case errors.Is(err, nats.ErrJetStreamNotEnabled), errors.Is(err, nats.ErrJetStreamNotEnabledForAccount):
		p.log.Warn("jetstream unavailable, results will not be retained")
		return nil
	default:
		return fmt.Errorf("add results stream: %w", err)
	}
}

func (p *Publisher) StatusChanged(ev protocol.StatusChanged) {
	p.publish(protocol.SubjectStatus, ev)
}

func (p *Publisher) TranscriptionResult(ev protocol.TranscriptionResult) {
	p.publish(protocol.SubjectResult, ev)
}

func (p *Publisher) ModelProgress(ev protocol.ModelProgress) {
	p.publish(protocol.SubjectModelProgress, ev)
}

func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("failed to encode event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.log.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
