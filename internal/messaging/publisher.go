// Package messaging fans committed transcript entries out to an AMQP
// broker so downstream consumers (journaling, analytics) can react to
// conversations as they happen.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/deekshith47/mindmate/internal/voice"
)

// Config configures the transcript publisher. An empty URL disables
// publishing entirely.
type Config struct {
	URL      string
	Exchange string
}

// Publisher publishes transcript entries to a fanout exchange. It
// implements voice.TranscriptPublisher. A disabled publisher is a valid
// no-op value.
type Publisher struct {
	config Config
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// transcriptMessage is the wire payload for one committed entry.
type transcriptMessage struct {
	SessionID   string `json:"session_id"`
	Sender      string `json:"sender"`
	Text        string `json:"text"`
	CommittedAt string `json:"committed_at"`
}

// NewPublisher connects to the broker and declares the exchange. With an
// empty URL it returns a disabled publisher and no error.
func NewPublisher(config Config, logger zerolog.Logger) (*Publisher, error) {
	p := &Publisher{
		config: config,
		logger: logger.With().Str("component", "messaging").Logger(),
	}
	if config.URL == "" {
		p.logger.Debug().Msg("Transcript publishing disabled, no broker URL")
		return p, nil
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		config.Exchange,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", config.Exchange, err)
	}

	p.conn = conn
	p.channel = channel
	p.logger.Info().Str("exchange", config.Exchange).Msg("Transcript publisher connected")
	return p, nil
}

// Enabled reports whether the publisher is connected to a broker.
func (p *Publisher) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel != nil
}

// PublishEntry publishes one committed transcript entry. On a disabled
// publisher it is a no-op.
func (p *Publisher) PublishEntry(sessionID string, entry voice.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return nil
	}

	body, err := json.Marshal(transcriptMessage{
		SessionID:   sessionID,
		Sender:      string(entry.Sender),
		Text:        entry.Text,
		CommittedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}

	if err := p.channel.Publish(
		p.config.Exchange,
		"",    // routing key unused by fanout
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("publish transcript entry: %w", err)
	}

	p.logger.Debug().Str("session_id", sessionID).Str("sender", string(entry.Sender)).Msg("Transcript entry published")
	return nil
}

// Close shuts the channel and connection down. Safe on a disabled
// publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
