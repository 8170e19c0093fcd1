package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind classifies a timeline message
type Kind string

const (
	KindUser   Kind = "user"
	KindSystem Kind = "system"
	KindJoin   Kind = "join"
	KindLeave  Kind = "leave"
)

// IsSystem reports whether the kind is a coarse-grained room event
func (k Kind) IsSystem() bool {
	return k == KindSystem || k == KindJoin || k == KindLeave
}

// Message represents a chat message as exchanged with the server.
// Before confirmation it is identified by CorrelationID, afterwards by ID.
type Message struct {
	ID            int64     `json:"id,omitempty"`
	CorrelationID string    `json:"client_id,omitempty"`
	Kind          Kind      `json:"type,omitempty"`
	RoomID        string    `json:"room_id,omitempty"`
	AuthorID      int64     `json:"user_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	Nickname      string    `json:"nickname,omitempty"`
	Color         string    `json:"color,omitempty"`
	Badge         string    `json:"badge,omitempty"`
	Content       string    `json:"content"`
	Timestamp     Timestamp `json:"timestamp"`
	Confirmed     bool      `json:"-"`
}

// EffectiveKind treats an empty kind as a user message
func (m Message) EffectiveKind() Kind {
	if m.Kind == "" {
		return KindUser
	}
	return m.Kind
}

// DisplayName returns the nickname, falling back to the username
func (m Message) DisplayName() string {
	if m.Nickname != "" {
		return m.Nickname
	}
	return m.Username
}

// HasID reports whether the server has assigned an id
func (m Message) HasID() bool {
	return m.ID != 0
}

// OnlineUser is one entry of the online-users snapshot
type OnlineUser struct {
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Color    string `json:"color,omitempty"`
	Badge    string `json:"badge,omitempty"`
}

// DisplayName returns the nickname, falling back to the username
func (u OnlineUser) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

// naiveISO is the timezone-less ISO-8601 layout some servers emit.
const naiveISO = "2006-01-02T15:04:05.999999999"

// Timestamp is a time.Time that accepts RFC3339, naive ISO-8601 and unix
// seconds on the wire. Naive values are read as UTC.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// MarshalJSON writes RFC3339 with nanoseconds, or null for the zero time
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON parses any of the accepted encodings
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if data[0] != '"' {
		secs, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		whole := int64(secs)
		t.Time = time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseTimestamp parses RFC3339 or naive ISO-8601 text
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(naiveISO, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: unrecognised format %q", s)
	}
	return ts, nil
}
