package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"chat-sync-demo/client/internal/bootstrap"
	"chat-sync-demo/client/internal/models"
)

// Push channel event names
const (
	EventJoin           = "join"
	EventLeave          = "leave"
	EventGetOnlineUsers = "get_online_users"
	EventSendMessage    = "send_message"
	EventMessage        = "message"
	EventStatus         = "status"
	EventOnlineUsers    = "online_users"
	EventError          = "error"
	EventConnectError   = "connect_error"
)

// Identity headers sent on every request and on the push handshake
const (
	HeaderUserID   = "X-User-Id"
	HeaderUsername = "X-Username"
	HeaderNickname = "X-Nickname"
	HeaderColor    = "X-Color"
	HeaderBadge    = "X-Badge"
)

// Envelope is the JSON frame carried by the push channel
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame for event with payload as data
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode unmarshals the envelope data into v
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// JoinPayload is sent with join and leave
type JoinPayload struct {
	Room string `json:"room"`
}

// RoomPayload is sent with get_online_users
type RoomPayload struct {
	RoomID string `json:"room_id"`
}

// SendPayload is sent with send_message
type SendPayload struct {
	RoomID   string `json:"room_id"`
	Message  string `json:"message"`
	ClientID string `json:"client_id,omitempty"`
}

// StatusPayload carries a transient room notice. Type is set for join and
// leave notices so they can be coalesced per user.
type StatusPayload struct {
	Msg    string      `json:"msg"`
	UserID int64       `json:"user_id,omitempty"`
	Type   models.Kind `json:"type,omitempty"`
}

// OnlineUsersPayload is the online_users snapshot
type OnlineUsersPayload struct {
	Users []models.OnlineUser `json:"users"`
}

// ErrorPayload is a server-side rejection
type ErrorPayload struct {
	Message string `json:"message"`
}

// IdentityHeader builds the identity headers for id
func IdentityHeader(id bootstrap.Identity) http.Header {
	h := http.Header{}
	h.Set(HeaderUserID, strconv.FormatInt(id.UserID, 10))
	h.Set(HeaderUsername, id.Username)
	h.Set(HeaderNickname, id.Nickname)
	h.Set(HeaderColor, id.Color)
	if id.Badge != "" {
		h.Set(HeaderBadge, id.Badge)
	}
	return h
}
