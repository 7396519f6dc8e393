package realtime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"realtime-e2e/internal/models"
)

// Phoenix channel events used by the realtime server
const (
	eventJoin            = "phx_join"
	eventLeave           = "phx_leave"
	eventReply           = "phx_reply"
	eventError           = "phx_error"
	eventClose           = "phx_close"
	eventHeartbeat       = "heartbeat"
	eventSystem          = "system"
	eventPostgresChanges = "postgres_changes"

	phoenixTopic = "phoenix"
	topicPrefix  = "realtime:"
	protocolVsn  = "1.0.0"
)

// outbound is a frame sent to the server
type outbound struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	Ref     string      `json:"ref"`
	JoinRef string      `json:"join_ref,omitempty"`
}

// inbound is a frame received from the server; ref is null for pushes
type inbound struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

// PostgresChangesFilter selects which row changes the channel receives.
// Event is "*", "INSERT", "UPDATE" or "DELETE".
type PostgresChangesFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	Broadcast       broadcastConfig         `json:"broadcast"`
	Presence        presenceConfig          `json:"presence"`
	PostgresChanges []PostgresChangesFilter `json:"postgres_changes"`
}

type broadcastConfig struct {
	Ack  bool `json:"ack"`
	Self bool `json:"self"`
}

type presenceConfig struct {
	Key string `json:"key"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type systemPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Extension string `json:"extension"`
	Channel   string `json:"channel"`
}

// changePayload is the body of a postgres_changes push
type changePayload struct {
	Data *changeData `json:"data"`
	IDs  []int64     `json:"ids"`
}

type changeData struct {
	Schema          string                 `json:"schema"`
	Table           string                 `json:"table"`
	Type            string                 `json:"type"`
	CommitTimestamp string                 `json:"commit_timestamp"`
	Record          map[string]interface{} `json:"record"`
	OldRecord       map[string]interface{} `json:"old_record"`
	Errors          interface{}            `json:"errors"`
}

// decodeChange turns a postgres_changes payload into a ChangeEvent, keeping
// the payload verbatim
func decodeChange(raw json.RawMessage) (models.ChangeEvent, error) {
	var payload changePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("failed to decode change payload: %w", err)
	}

	data := payload.Data
	if data == nil {
		// Older servers push the change fields at the top level
		data = &changeData{}
		if err := json.Unmarshal(raw, data); err != nil {
			return models.ChangeEvent{}, fmt.Errorf("failed to decode change payload: %w", err)
		}
	}

	return models.ChangeEvent{
		Type:            models.ParseEventType(data.Type),
		Schema:          data.Schema,
		Table:           data.Table,
		Timestamp:       time.Now().Unix(),
		CommitTimestamp: data.CommitTimestamp,
		Record:          data.Record,
		OldRecord:       data.OldRecord,
		Raw:             raw,
	}, nil
}

// socketURL derives the websocket endpoint from the configured base URL,
// e.g. ws://localhost:8000/realtime/v1 -> ws://localhost:8000/realtime/v1/websocket?apikey=...&vsn=1.0.0
func socketURL(base, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", u.Scheme)
	}

	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}

	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", protocolVsn)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
