package nats

import (
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/saviobatista/rid-tracker/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	// SubjectTelemetry is the default Remote-ID telemetry subject
	SubjectTelemetry = "remoteid.telemetry"

	DefaultReconnectWait = 5 * time.Second
)

// Client represents a NATS client
type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger logrus.FieldLogger
}

// New connects to NATS. The connection retries forever with a fixed wait
// between attempts, including when the server is unreachable at startup.
func New(url string, reconnectWait time.Duration, logger logrus.FieldLogger) (*Client, error) {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if reconnectWait <= 0 {
		reconnectWait = DefaultReconnectWait
	}
	log := logger.WithField("nats", url)

	nc, err := nats.Connect(url,
		nats.Name("rid-tracker"),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("server", c.ConnectedUrl()).Info("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{
		conn:   nc,
		logger: log,
	}, nil
}

// Connected reports whether the connection is currently established
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Publish publishes a raw telemetry message
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Flush waits until published messages have reached the server
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Subscribe delivers every message on subject to handler. Handlers run on
// the subscription's delivery goroutine, one message at a time.
func (c *Client) Subscribe(subject string, handler func(*types.BusMessage)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(&types.BusMessage{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: time.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Close unsubscribes and closes the NATS connection
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	if c.conn != nil {
		c.conn.Close()
	}
}
