package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"realtime-e2e/internal/models"
)

const defaultJoinTimeout = 10 * time.Second

// ErrNotSubscribed is returned when Unsubscribe is called on a channel that
// never opened a socket
var ErrNotSubscribed = errors.New("channel is not subscribed")

// Client holds the connection settings for a realtime server
type Client struct {
	url         string
	apiKey      string
	heartbeat   time.Duration
	joinTimeout time.Duration
	dialer      *websocket.Dialer
	logger      *logrus.Logger
}

// NewClient creates a realtime client. No connection is made until a
// channel subscribes.
func NewClient(url, apiKey string, heartbeat time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		url:         url,
		apiKey:      apiKey,
		heartbeat:   heartbeat,
		joinTimeout: defaultJoinTimeout,
		dialer:      websocket.DefaultDialer,
		logger:      logger,
	}
}

// Channel returns a new channel for the given name, e.g. "public:realtime_test"
func (c *Client) Channel(name string) *Channel {
	return &Channel{
		client: c,
		topic:  topicPrefix + name,
	}
}

// Channel is one Phoenix channel over its own socket
type Channel struct {
	client  *Client
	topic   string
	filters []PostgresChangesFilter
	handler models.Handler

	conn    *websocket.Conn
	writeMu sync.Mutex
	ref     atomic.Uint64
	joinRef string

	joined  atomic.Bool
	closing atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	status  models.StatusHandler
}

// On registers the postgres_changes filter and callback for this channel
func (ch *Channel) On(filter PostgresChangesFilter, handler models.Handler) *Channel {
	ch.filters = append(ch.filters, filter)
	ch.handler = handler
	return ch
}

// Subscribe dials the server and sends the join. Status transitions are
// reported asynchronously through status.
func (ch *Channel) Subscribe(ctx context.Context, status models.StatusHandler) error {
	if status == nil {
		status = func(models.SubscriptionStatus, error) {}
	}
	ch.status = status

	endpoint, err := socketURL(ch.client.url, ch.client.apiKey)
	if err != nil {
		return err
	}

	conn, _, err := ch.client.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to realtime server: %w", err)
	}
	ch.conn = conn
	ch.stop = make(chan struct{})
	ch.done = make(chan struct{})

	ch.client.logger.Infof("Connected to realtime server at %s", ch.client.url)

	ch.joinRef = ch.nextRef()
	go ch.readLoop()

	join := joinPayload{
		Config: joinConfig{
			PostgresChanges: ch.filters,
		},
		AccessToken: ch.client.apiKey,
	}
	if err := ch.send(outbound{
		Topic:   ch.topic,
		Event:   eventJoin,
		Payload: join,
		Ref:     ch.joinRef,
		JoinRef: ch.joinRef,
	}); err != nil {
		ch.shutdown()
		return fmt.Errorf("failed to join channel %s: %w", ch.topic, err)
	}

	go ch.heartbeatLoop()
	go ch.watchJoin()

	return nil
}

// Unsubscribe leaves the channel and closes the socket
func (ch *Channel) Unsubscribe() error {
	if ch.conn == nil {
		return ErrNotSubscribed
	}
	if ch.closing.Load() {
		return nil
	}

	err := ch.send(outbound{
		Topic:   ch.topic,
		Event:   eventLeave,
		Payload: struct{}{},
		Ref:     ch.nextRef(),
		JoinRef: ch.joinRef,
	})
	if err != nil {
		ch.client.logger.Debugf("Failed to send leave for %s: %v", ch.topic, err)
	}

	ch.shutdown()
	ch.status(models.StatusClosed, nil)
	return nil
}

func (ch *Channel) shutdown() {
	if !ch.closing.CompareAndSwap(false, true) {
		return
	}
	close(ch.stop)

	ch.writeMu.Lock()
	_ = ch.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ch.writeMu.Unlock()

	_ = ch.conn.Close()
	<-ch.done
}

func (ch *Channel) nextRef() string {
	return strconv.FormatUint(ch.ref.Add(1), 10)
}

func (ch *Channel) send(msg outbound) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return ch.conn.WriteJSON(msg)
}

func (ch *Channel) watchJoin() {
	timer := time.NewTimer(ch.client.joinTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		if !ch.joined.Load() {
			ch.status(models.StatusTimedOut, fmt.Errorf("no join reply within %s", ch.client.joinTimeout))
		}
	case <-ch.stop:
	}
}

func (ch *Channel) heartbeatLoop() {
	if ch.client.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(ch.client.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := ch.send(outbound{
				Topic:   phoenixTopic,
				Event:   eventHeartbeat,
				Payload: struct{}{},
				Ref:     ch.nextRef(),
			})
			if err != nil {
				ch.client.logger.Warnf("Failed to send heartbeat: %v", err)
			}
		case <-ch.stop:
			return
		}
	}
}

func (ch *Channel) readLoop() {
	defer close(ch.done)

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if !ch.closing.Load() {
				ch.client.logger.Warnf("Realtime socket closed: %v", err)
				ch.status(models.StatusClosed, err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			ch.client.logger.Warnf("Ignoring malformed realtime frame: %v", err)
			continue
		}
		ch.dispatch(msg)
	}
}

func (ch *Channel) dispatch(msg inbound) {
	if msg.Topic == phoenixTopic {
		ch.client.logger.Debugf("Heartbeat reply: %s", string(msg.Payload))
		return
	}
	if msg.Topic != ch.topic {
		ch.client.logger.Debugf("Ignoring frame for topic %s", msg.Topic)
		return
	}

	switch msg.Event {
	case eventReply:
		if msg.Ref == nil || *msg.Ref != ch.joinRef {
			return
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			ch.status(models.StatusChannelError, fmt.Errorf("failed to decode join reply: %w", err))
			return
		}
		if reply.Status != "ok" {
			ch.status(models.StatusChannelError, fmt.Errorf("join rejected: %s", string(reply.Response)))
			return
		}
		ch.joined.Store(true)
		ch.status(models.StatusSubscribed, nil)

	case eventSystem:
		var sys systemPayload
		if err := json.Unmarshal(msg.Payload, &sys); err != nil {
			return
		}
		if sys.Status == "error" {
			ch.status(models.StatusChannelError, errors.New(sys.Message))
			return
		}
		ch.client.logger.Debugf("System message on %s: %s", ch.topic, sys.Message)

	case eventPostgresChanges:
		event, err := decodeChange(msg.Payload)
		if err != nil {
			ch.client.logger.Warnf("%v", err)
			return
		}
		if ch.handler != nil {
			ch.handler(event)
		}

	case eventError:
		ch.status(models.StatusChannelError, fmt.Errorf("channel error: %s", string(msg.Payload)))

	case eventClose:
		ch.status(models.StatusClosed, nil)

	default:
		ch.client.logger.Debugf("Unhandled realtime event %s on %s", msg.Event, ch.topic)
	}
}

// Subscriber adapts a realtime channel to the runner's subscription source
type Subscriber struct {
	client  *Client
	channel string
	filter  PostgresChangesFilter
}

// NewSubscriber watches every change on schema.table through the named channel
func NewSubscriber(client *Client, channel, schema, table string) *Subscriber {
	return &Subscriber{
		client:  client,
		channel: channel,
		filter:  PostgresChangesFilter{Event: "*", Schema: schema, Table: table},
	}
}

func (s *Subscriber) Subscribe(ctx context.Context, handler models.Handler, status models.StatusHandler) (models.Subscription, error) {
	ch := s.client.Channel(s.channel).On(s.filter, handler)
	if err := ch.Subscribe(ctx, status); err != nil {
		return nil, err
	}
	return ch, nil
}
