package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Publisher handles publishing run reports to NATS
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
}

// NewPublisher creates a new NATS publisher
func NewPublisher(url, subject string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*Publisher, error) {
	conn, err := Connect(url, maxReconnect, reconnectWait, logger, nil)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Publish marshals v as JSON and publishes it on the configured subject
func (p *Publisher) Publish(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	if err := p.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}

	p.logger.Debugf("Published report to %s", p.subject)
	return nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
