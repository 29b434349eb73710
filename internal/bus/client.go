// Package bus wraps the NATS connection shared by the analyzer intake
// and the hub's outcome publishing.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects used on the message bus. The analyzer publishes live call
// events under calls.live.<callId>; the hub publishes journey
// milestones for downstream booking and analytics consumers.
const (
	SubjectLiveEvents       = "calls.live.>"
	SubjectLivePrefix       = "calls.live."
	SubjectJourneyStarted   = "calls.journey.started"
	SubjectJourneyCompleted = "calls.journey.completed"
)

// LiveSubject returns the analyzer subject for one call.
func LiveSubject(callID string) string {
	return SubjectLivePrefix + callID
}

// Client is a thin wrapper around a NATS connection with JSON
// publishing and tracked subscriptions.
type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

// Connect dials the bus. The connection retries on failure and
// reconnects on drops; handlers log the transitions.
func Connect(url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("Bus reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// Publish marshals the payload as JSON and publishes it.
func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// PublishRaw publishes an already-encoded payload.
func (c *Client) PublishRaw(subject string, payload []byte) error {
	return c.conn.Publish(subject, payload)
}

// Subscribe registers a handler for a subject (wildcards allowed).
// Handlers run on the connection's dispatch goroutine and must not
// block.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("Subscribed", "subject", subject)
	return nil
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
