package stream

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"chat-sync-demo/client/internal/models"
	"chat-sync-demo/client/internal/timeline"
	"chat-sync-demo/client/internal/transport"
	"chat-sync-demo/client/pkg/logger"
)

// Record is one line of output
type Record struct {
	Op        string              `json:"op"`
	Key       string              `json:"key,omitempty"`
	ID        int64               `json:"id,omitempty"`
	ClientID  string              `json:"client_id,omitempty"`
	Kind      models.Kind         `json:"type,omitempty"`
	Author    string              `json:"author,omitempty"`
	Content   string              `json:"content,omitempty"`
	Markup    string              `json:"markup,omitempty"`
	Rendered  bool                `json:"rendered,omitempty"`
	Pending   bool                `json:"pending,omitempty"`
	Failed    bool                `json:"failed,omitempty"`
	Level     string              `json:"level,omitempty"`
	Text      string              `json:"text,omitempty"`
	Users     []models.OnlineUser `json:"users,omitempty"`
	Count     *int                `json:"count,omitempty"`
	State     string              `json:"state,omitempty"`
	Timestamp *models.Timestamp   `json:"timestamp,omitempty"`
}

// View writes every timeline decision as a JSON line
type View struct {
	mu  sync.Mutex
	enc *json.Encoder
	log *logger.Logger
}

// New creates a view writing to w
func New(w io.Writer, log *logger.Logger) *View {
	if log == nil {
		log = logger.GetGlobal()
	}
	return &View{enc: json.NewEncoder(w), log: log.WithComponent("view.stream")}
}

func (v *View) Append(e timeline.Entry) { v.write(entryRecord("append", e)) }
func (v *View) Update(e timeline.Entry) { v.write(entryRecord("update", e)) }

func (v *View) Banner(level timeline.Level, text string) {
	v.write(Record{Op: "banner", Level: level.String(), Text: text})
}

func (v *View) SetOnlineUsers(users []models.OnlineUser) {
	v.write(Record{Op: "online_users", Users: users})
}

func (v *View) SetOnlineCount(count int) {
	v.write(Record{Op: "online_count", Count: &count})
}

func (v *View) SetConnection(state transport.State) {
	v.write(Record{Op: "connection", State: state.String()})
}

func (v *View) write(r Record) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enc.Encode(r); err != nil {
		v.log.Warn("Failed to write record", "op", r.Op, "error", err.Error())
	}
}

func entryRecord(op string, e timeline.Entry) Record {
	r := Record{
		Op:       op,
		Key:      e.Key,
		ID:       e.Message.ID,
		ClientID: e.Message.CorrelationID,
		Kind:     e.Message.EffectiveKind(),
		Author:   e.Message.DisplayName(),
		Content:  e.Message.Content,
		Markup:   e.Markup,
		Rendered: e.Rendered,
		Pending:  e.Pending,
		Failed:   e.Failed,
	}
	if !e.Message.Timestamp.IsZero() {
		ts := models.NewTimestamp(e.Message.Timestamp.In(time.UTC))
		r.Timestamp = &ts
	}
	return r
}
