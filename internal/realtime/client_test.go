package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-e2e/internal/models"
)

const insertPush = `{"topic":"realtime:public:realtime_test","event":"postgres_changes","ref":null,"payload":{"ids":[42],"data":{"schema":"public","table":"realtime_test","type":"INSERT","commit_timestamp":"2024-01-01T00:00:00Z","record":{"id":1,"name":"Test entry"},"old_record":null,"errors":null}}}`

// fakeServer speaks just enough of the Phoenix protocol to exercise a channel
type fakeServer struct {
	t        *testing.T
	joinOK   bool
	pushes   []string
	drop     bool // close the socket after the pushes
	mu       sync.Mutex
	received []outbound
	query    string
	left     chan struct{}
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.query = r.URL.RawQuery
	s.mu.Unlock()

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var msg outbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()

		switch msg.Event {
		case eventJoin:
			if !s.joinOK {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"`+msg.Topic+`","event":"phx_reply","ref":"`+msg.Ref+`","payload":{"status":"error","response":{"reason":"unauthorized"}}}`))
				continue
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"`+msg.Topic+`","event":"phx_reply","ref":"`+msg.Ref+`","payload":{"status":"ok","response":{"postgres_changes":[{"id":42,"event":"*","schema":"public","table":"realtime_test"}]}}}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"`+msg.Topic+`","event":"system","ref":null,"payload":{"status":"ok","message":"Subscribed to PostgreSQL","extension":"postgres_changes"}}`))
			for _, p := range s.pushes {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(p))
			}
			if s.drop {
				return
			}
		case eventLeave:
			close(s.left)
		}
	}
}

func (s *fakeServer) frames() []outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbound(nil), s.received...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime/v1"
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []models.SubscriptionStatus
	ch       chan models.SubscriptionStatus
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{ch: make(chan models.SubscriptionStatus, 16)}
}

func (r *statusRecorder) handle(status models.SubscriptionStatus, _ error) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
	r.ch <- status
}

func (r *statusRecorder) next(t *testing.T) models.SubscriptionStatus {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
		return ""
	}
}

func TestChannelReceivesChanges(t *testing.T) {
	fake := &fakeServer{t: t, joinOK: true, pushes: []string{insertPush}, left: make(chan struct{})}
	server := httptest.NewServer(fake)
	defer server.Close()

	events := make(chan models.ChangeEvent, 1)
	client := NewClient(wsURL(server), "anon-key", time.Hour, testLogger())
	sub := NewSubscriber(client, "public:realtime_test", "public", "realtime_test")

	statuses := newStatusRecorder()
	subscription, err := sub.Subscribe(context.Background(), func(e models.ChangeEvent) {
		events <- e
	}, statuses.handle)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSubscribed, statuses.next(t))

	select {
	case e := <-events:
		assert.Equal(t, models.EventInsert, e.Type)
		assert.Equal(t, "public", e.Schema)
		assert.Equal(t, "realtime_test", e.Table)
		assert.Equal(t, "Test entry", e.Record["name"])
		assert.Contains(t, e.Verbatim(), `"ids":[42]`)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event delivered")
	}

	require.NoError(t, subscription.Unsubscribe())
	assert.Equal(t, models.StatusClosed, statuses.next(t))

	select {
	case <-fake.left:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw phx_leave")
	}

	frames := fake.frames()
	require.NotEmpty(t, frames)
	join := frames[0]
	assert.Equal(t, eventJoin, join.Event)
	assert.Equal(t, "realtime:public:realtime_test", join.Topic)

	payload, err := json.Marshal(join.Payload)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"postgres_changes":[{"event":"*","schema":"public","table":"realtime_test"}]`)
	assert.Contains(t, string(payload), `"access_token":"anon-key"`)

	fake.mu.Lock()
	assert.Contains(t, fake.query, "apikey=anon-key")
	assert.Contains(t, fake.query, "vsn=1.0.0")
	fake.mu.Unlock()
}

func TestChannelJoinRejected(t *testing.T) {
	fake := &fakeServer{t: t, joinOK: false, left: make(chan struct{})}
	server := httptest.NewServer(fake)
	defer server.Close()

	client := NewClient(wsURL(server), "bad-key", time.Hour, testLogger())
	ch := client.Channel("public:realtime_test").On(PostgresChangesFilter{Event: "*", Schema: "public", Table: "realtime_test"}, nil)

	statuses := newStatusRecorder()
	require.NoError(t, ch.Subscribe(context.Background(), statuses.handle))
	assert.Equal(t, models.StatusChannelError, statuses.next(t))
	require.NoError(t, ch.Unsubscribe())
}

func TestChannelJoinTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(wsURL(server), "", 0, testLogger())
	client.joinTimeout = 50 * time.Millisecond
	ch := client.Channel("public:realtime_test")

	statuses := newStatusRecorder()
	require.NoError(t, ch.Subscribe(context.Background(), statuses.handle))
	assert.Equal(t, models.StatusTimedOut, statuses.next(t))
	require.NoError(t, ch.Unsubscribe())
}

func TestSubscribeDialFailure(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/realtime/v1", "", 0, testLogger())
	_, err := NewSubscriber(client, "public:t", "public", "t").Subscribe(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestUnsubscribeWithoutSubscribe(t *testing.T) {
	client := NewClient("ws://localhost/realtime/v1", "", 0, testLogger())
	assert.ErrorIs(t, client.Channel("x").Unsubscribe(), ErrNotSubscribed)
}

func TestChannelStatusTransitions(t *testing.T) {
	const topic = "realtime:public:realtime_test"
	tests := []struct {
		name   string
		pushes []string
		drop   bool
		want   models.SubscriptionStatus
	}{
		{
			name:   "phx_error",
			pushes: []string{`{"topic":"` + topic + `","event":"phx_error","ref":null,"payload":{}}`},
			want:   models.StatusChannelError,
		},
		{
			name:   "phx_close",
			pushes: []string{`{"topic":"` + topic + `","event":"phx_close","ref":null,"payload":{}}`},
			want:   models.StatusClosed,
		},
		{
			name:   "system error",
			pushes: []string{`{"topic":"` + topic + `","event":"system","ref":null,"payload":{"status":"error","message":"publication not found","extension":"postgres_changes"}}`},
			want:   models.StatusChannelError,
		},
		{
			name: "socket dropped",
			drop: true,
			want: models.StatusClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeServer{t: t, joinOK: true, pushes: tt.pushes, drop: tt.drop, left: make(chan struct{})}
			server := httptest.NewServer(fake)
			defer server.Close()

			client := NewClient(wsURL(server), "anon-key", time.Hour, testLogger())
			ch := client.Channel("public:realtime_test").On(PostgresChangesFilter{Event: "*", Schema: "public", Table: "realtime_test"}, nil)

			statuses := newStatusRecorder()
			require.NoError(t, ch.Subscribe(context.Background(), statuses.handle))
			assert.Equal(t, models.StatusSubscribed, statuses.next(t))
			assert.Equal(t, tt.want, statuses.next(t))

			require.NoError(t, ch.Unsubscribe())
		})
	}
}

func TestChannelIgnoresOtherTopics(t *testing.T) {
	push := strings.Replace(insertPush, "realtime:public:realtime_test", "realtime:public:other", 1)
	fake := &fakeServer{t: t, joinOK: true, pushes: []string{push, insertPush}, left: make(chan struct{})}
	server := httptest.NewServer(fake)
	defer server.Close()

	var mu sync.Mutex
	var got []models.ChangeEvent
	client := NewClient(wsURL(server), "anon-key", time.Hour, testLogger())
	sub, err := NewSubscriber(client, "public:realtime_test", "public", "realtime_test").Subscribe(context.Background(), func(e models.ChangeEvent) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, sub.Unsubscribe())

	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestChannelSendsHeartbeats(t *testing.T) {
	fake := &fakeServer{t: t, joinOK: true, left: make(chan struct{})}
	server := httptest.NewServer(fake)
	defer server.Close()

	client := NewClient(wsURL(server), "anon-key", 20*time.Millisecond, testLogger())
	ch := client.Channel("public:realtime_test")

	statuses := newStatusRecorder()
	require.NoError(t, ch.Subscribe(context.Background(), statuses.handle))
	assert.Equal(t, models.StatusSubscribed, statuses.next(t))

	heartbeats := func() []outbound {
		var out []outbound
		for _, f := range fake.frames() {
			if f.Topic == phoenixTopic && f.Event == eventHeartbeat {
				out = append(out, f)
			}
		}
		return out
	}
	assert.Eventually(t, func() bool { return len(heartbeats()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, ch.Unsubscribe())

	hb := heartbeats()
	require.GreaterOrEqual(t, len(hb), 2)
	assert.NotEmpty(t, hb[0].Ref)
	assert.NotEqual(t, hb[0].Ref, hb[1].Ref)
	assert.Empty(t, hb[0].JoinRef)
}
