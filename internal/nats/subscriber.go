package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"realtime-e2e/internal/models"
)

// cdcEvent is the JSON shape CDC services publish for each row event
type cdcEvent struct {
	Type      string                   `json:"type"` // INSERT, UPDATE, DELETE
	Database  string                   `json:"database"`
	Schema    string                   `json:"schema,omitempty"`
	Table     string                   `json:"table"`
	Timestamp int64                    `json:"timestamp"`
	Rows      []map[string]interface{} `json:"rows"`
	OldRows   []map[string]interface{} `json:"old_rows,omitempty"` // For UPDATE events
}

// Subscriber receives change events for one table from a NATS subject
type Subscriber struct {
	url           string
	subject       string
	schema        string
	table         string
	maxReconnect  int
	reconnectWait time.Duration
	logger        *logrus.Logger
}

func NewSubscriber(url, subject, schema, table string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		url:           url,
		subject:       subject,
		schema:        schema,
		table:         table,
		maxReconnect:  maxReconnect,
		reconnectWait: reconnectWait,
		logger:        logger,
	}
}

// Subscribe connects, subscribes to the subject and flushes so the server
// has registered interest before SUBSCRIBED is reported
func (s *Subscriber) Subscribe(ctx context.Context, handler models.Handler, status models.StatusHandler) (models.Subscription, error) {
	if status == nil {
		status = func(models.SubscriptionStatus, error) {}
	}

	sub := &subscription{logger: s.logger}
	conn, err := Connect(s.url, s.maxReconnect, s.reconnectWait, s.logger, func() {
		if !sub.isClosing() {
			status(models.StatusClosed, nil)
		}
	})
	if err != nil {
		return nil, err
	}
	sub.conn = conn

	sub.sub, err = conn.Subscribe(s.subject, func(msg *nats.Msg) {
		events, err := decodeEvents(msg.Data)
		if err != nil {
			s.logger.Warnf("Ignoring message on %s: %v", msg.Subject, err)
			return
		}
		for _, event := range events {
			if !s.matches(event) {
				continue
			}
			if handler != nil {
				handler(event)
			}
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.FlushWithContext(flushCtx); err != nil {
		status(models.StatusTimedOut, err)
		return sub, nil
	}

	s.logger.Infof("Subscribed to NATS subject %s", s.subject)
	status(models.StatusSubscribed, nil)
	return sub, nil
}

func (s *Subscriber) matches(event models.ChangeEvent) bool {
	if !strings.EqualFold(event.Table, s.table) {
		return false
	}
	return event.Schema == "" || s.schema == "" || strings.EqualFold(event.Schema, s.schema)
}

// decodeEvents fans a multi-row CDC message out into one event per row, the
// way a realtime server notifies once per changed row
func decodeEvents(data []byte) ([]models.ChangeEvent, error) {
	var msg cdcEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode change event: %w", err)
	}

	schema := msg.Schema
	if schema == "" {
		schema = msg.Database
	}
	eventType := models.ParseEventType(msg.Type)

	base := models.ChangeEvent{
		Type:      eventType,
		Schema:    schema,
		Table:     msg.Table,
		Timestamp: msg.Timestamp,
		Raw:       json.RawMessage(data),
	}

	if len(msg.Rows) == 0 {
		return []models.ChangeEvent{base}, nil
	}

	events := make([]models.ChangeEvent, 0, len(msg.Rows))
	for i, row := range msg.Rows {
		event := base
		if eventType == models.EventDelete {
			event.OldRecord = row
		} else {
			event.Record = row
		}
		if i < len(msg.OldRows) {
			event.OldRecord = msg.OldRows[i]
		}
		events = append(events, event)
	}
	return events, nil
}

type subscription struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *logrus.Logger

	mu      sync.Mutex
	closing bool
}

func (s *subscription) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
	}
	s.conn.Close()
	if err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}
