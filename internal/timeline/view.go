package timeline

import (
	"chat-sync-demo/client/internal/models"
	"chat-sync-demo/client/internal/transport"
)

// Level grades a banner
type Level int

const (
	LevelInfo Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}
	return "info"
}

// Entry is one visible timeline row. Key never changes once the entry is
// appended, so a view can update the row in place.
type Entry struct {
	Key     string
	Message models.Message
	// Markup is the rendered content. It is empty while Rendered is false
	// and the view should show the raw content instead.
	Markup   string
	Rendered bool
	Pending  bool
	Failed   bool
	Local    bool
}

// View mounts timeline entries and transient notices. It is called on the
// scheduler only.
type View interface {
	Append(e Entry)
	Update(e Entry)
	Banner(level Level, text string)
	SetOnlineUsers(users []models.OnlineUser)
	SetOnlineCount(count int)
	SetConnection(state transport.State)
}

// Views fans every call out to several views
type Views []View

func (vs Views) Append(e Entry) {
	for _, v := range vs {
		v.Append(e)
	}
}

func (vs Views) Update(e Entry) {
	for _, v := range vs {
		v.Update(e)
	}
}

func (vs Views) Banner(level Level, text string) {
	for _, v := range vs {
		v.Banner(level, text)
	}
}

func (vs Views) SetOnlineUsers(users []models.OnlineUser) {
	for _, v := range vs {
		v.SetOnlineUsers(users)
	}
}

func (vs Views) SetOnlineCount(count int) {
	for _, v := range vs {
		v.SetOnlineCount(count)
	}
}

func (vs Views) SetConnection(state transport.State) {
	for _, v := range vs {
		v.SetConnection(state)
	}
}
