package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"chat-sync-demo/client/internal/models"
	"chat-sync-demo/client/internal/transport"
	apperrors "chat-sync-demo/client/pkg/errors"
	"chat-sync-demo/client/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
}

// Client is one push connection
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *Hub

	user  identity
	rooms map[string]struct{}
}

type inbound struct {
	client *Client
	env    transport.Envelope
}

// Hub owns room membership. All membership state is touched only by Run.
type Hub struct {
	store      Store
	maxLength  int
	now        func() time.Time
	clients    map[*Client]struct{}
	rooms      map[string]map[*Client]struct{}
	users      map[int64]int
	online     atomic.Int64
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	broadcast  chan models.Message
	done       chan struct{}
	log        *logger.Logger
}

// NewHub creates a hub writing messages to store
func NewHub(store Store, maxLength int, now func() time.Time, log *logger.Logger) *Hub {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.GetGlobal()
	}
	return &Hub{
		store:      store,
		maxLength:  maxLength,
		now:        now,
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		users:      make(map[int64]int),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, sendBuffer),
		broadcast:  make(chan models.Message, sendBuffer),
		done:       make(chan struct{}),
		log:        log.WithComponent("hub"),
	}
}

// Run processes hub traffic until ctx is cancelled, then closes every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.users[client.user.UserID]++
			h.online.Store(int64(len(h.users)))
			h.log.Debug("Client registered", "client", client.ID, "user_id", client.user.UserID)

		case client := <-h.unregister:
			h.remove(client)

		case in := <-h.inbound:
			if _, ok := h.clients[in.client]; ok {
				h.handle(in.client, in.env)
			}

		case msg := <-h.broadcast:
			h.toRoom(msg.RoomID, h.frame(transport.EventMessage, msg))

		case <-ctx.Done():
			for client := range h.clients {
				close(client.Send)
			}
			clear(h.clients)
			h.log.Info("Hub stopped")
			return
		}
	}
}

// OnlineCount is the number of distinct users with an open connection
func (h *Hub) OnlineCount() int {
	return int(h.online.Load())
}

// Running reports whether the hub loop is still running
func (h *Hub) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Publish stores a message sent over HTTP and broadcasts it to the room
func (h *Hub) Publish(from identity, roomID, text string) (models.Message, error) {
	content, err := validateMessage(roomID, text, h.maxLength)
	if err != nil {
		return models.Message{}, err
	}
	stored, err := h.store.Append(from.stamp(models.Message{
		RoomID:    roomID,
		Content:   content,
		Timestamp: models.NewTimestamp(h.now().UTC()),
	}))
	if err != nil {
		return models.Message{}, apperrors.Wrap(err, apperrors.CodeInternal, "store message")
	}
	select {
	case h.broadcast <- stored:
	case <-h.done:
	}
	return stored, nil
}

func (h *Hub) handle(c *Client, env transport.Envelope) {
	switch env.Event {
	case transport.EventJoin:
		var p transport.JoinPayload
		if err := env.Decode(&p); err != nil || p.Room == "" {
			return
		}
		h.join(c, p.Room)

	case transport.EventLeave:
		var p transport.JoinPayload
		if err := env.Decode(&p); err != nil || p.Room == "" {
			return
		}
		h.leave(c, p.Room)

	case transport.EventGetOnlineUsers:
		var p transport.RoomPayload
		if err := env.Decode(&p); err != nil || p.RoomID == "" {
			return
		}
		h.deliver(c, h.frame(transport.EventOnlineUsers, transport.OnlineUsersPayload{Users: h.roster(p.RoomID)}))

	case transport.EventSendMessage:
		var p transport.SendPayload
		if err := env.Decode(&p); err != nil {
			h.sendError(c, "invalid parameters")
			return
		}
		h.sendMessage(c, p)

	default:
		h.log.Debug("Unknown event", "event", env.Event, "client", c.ID)
	}
}

func (h *Hub) join(c *Client, room string) {
	if _, ok := c.rooms[room]; ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}

	h.toRoom(room, h.frame(transport.EventStatus, transport.StatusPayload{
		Msg:    fmt.Sprintf("%s joined the room", c.user.displayName()),
		UserID: c.user.UserID,
		Type:   models.KindJoin,
	}))
	h.toRoom(room, h.frame(transport.EventOnlineUsers, transport.OnlineUsersPayload{Users: h.roster(room)}))
}

func (h *Hub) leave(c *Client, room string) {
	if _, ok := c.rooms[room]; !ok {
		return
	}
	delete(c.rooms, room)
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
		return
	}

	h.toRoom(room, h.frame(transport.EventStatus, transport.StatusPayload{
		Msg:    fmt.Sprintf("%s left the room", c.user.displayName()),
		UserID: c.user.UserID,
		Type:   models.KindLeave,
	}))
	h.toRoom(room, h.frame(transport.EventOnlineUsers, transport.OnlineUsersPayload{Users: h.roster(room)}))
}

func (h *Hub) sendMessage(c *Client, p transport.SendPayload) {
	content, err := validateMessage(p.RoomID, p.Message, h.maxLength)
	if err != nil {
		h.sendError(c, apperrors.GetErrorMessage(err))
		return
	}

	stored, err := h.store.Append(c.user.stamp(models.Message{
		RoomID:    p.RoomID,
		Content:   content,
		Timestamp: models.NewTimestamp(h.now().UTC()),
	}))
	if err != nil {
		h.log.LogError(err, "Failed to store message", "room_id", p.RoomID)
		h.sendError(c, "message could not be stored")
		return
	}

	stored.CorrelationID = p.ClientID
	frame := h.frame(transport.EventMessage, stored)
	h.toRoom(p.RoomID, frame)
	if _, member := c.rooms[p.RoomID]; !member {
		h.deliver(c, frame)
	}
}

func (h *Hub) sendError(c *Client, message string) {
	h.deliver(c, h.frame(transport.EventError, transport.ErrorPayload{Message: message}))
}

// roster lists the distinct users in room, sorted by username
func (h *Hub) roster(room string) []models.OnlineUser {
	seen := make(map[int64]struct{})
	users := []models.OnlineUser{}
	for c := range h.rooms[room] {
		if _, ok := seen[c.user.UserID]; ok {
			continue
		}
		seen[c.user.UserID] = struct{}{}
		users = append(users, c.user.onlineUser())
	}
	slices.SortFunc(users, func(a, b models.OnlineUser) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leave(c, room)
	}
	close(c.Send)

	h.users[c.user.UserID]--
	if h.users[c.user.UserID] <= 0 {
		delete(h.users, c.user.UserID)
	}
	h.online.Store(int64(len(h.users)))
	h.log.Debug("Client unregistered", "client", c.ID)
}

func (h *Hub) toRoom(room string, frame []byte) {
	if frame == nil {
		return
	}
	for c := range h.rooms[room] {
		h.deliver(c, frame)
	}
}

// deliver queues frame for c, dropping the client when its buffer is full
func (h *Hub) deliver(c *Client, frame []byte) {
	if _, ok := h.clients[c]; !ok || frame == nil {
		return
	}
	select {
	case c.Send <- frame:
	default:
		h.log.Warn("Client removed due to blocked channel", "client", c.ID)
		h.remove(c)
	}
}

func (h *Hub) frame(event string, payload any) []byte {
	b, err := transport.Encode(event, payload)
	if err != nil {
		h.log.LogError(err, "Failed to encode frame", "event", event)
		return nil
	}
	return b
}

// validateMessage trims text and enforces the room and length rules
func validateMessage(roomID, text string, maxLength int) (string, error) {
	content := strings.TrimSpace(text)
	if roomID == "" || content == "" {
		return "", apperrors.NewBadRequestError(apperrors.CodeInvalidRequest, "invalid parameters")
	}
	if maxLength > 0 && utf8.RuneCountInString(content) > maxLength {
		return "", apperrors.NewBadRequestError(apperrors.CodeMessageTooLong, "message too long")
	}
	return content, nil
}

// ServeWs upgrades the request and starts the client pumps
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, user identity) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Error upgrading connection", "error", err.Error())
		return
	}

	client := &Client{
		ID:    uuid.New().String(),
		Conn:  conn,
		Send:  make(chan []byte, sendBuffer),
		Hub:   h,
		user:  user,
		rooms: make(map[string]struct{}),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	h.log.Info("New push connection", "client", client.ID, "user_id", user.UserID)

	go client.WritePump()
	go client.ReadPump()
}

// ReadPump pumps frames from the websocket to the hub
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Hub.log.Debug("Read error", "client", c.ID, "error", err.Error())
			}
			return
		}

		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.Hub.log.Debug("Malformed frame", "client", c.ID, "error", err.Error())
			continue
		}

		select {
		case c.Hub.inbound <- inbound{client: c, env: env}:
		case <-c.Hub.done:
			return
		}
	}
}

// WritePump pumps queued frames to the websocket and keeps it alive
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
