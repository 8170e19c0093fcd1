package tui

import (
	"chat-sync-demo/client/internal/models"
	"chat-sync-demo/client/internal/timeline"
	"chat-sync-demo/client/internal/transport"

	tea "github.com/charmbracelet/bubbletea"
)

type entryMsg struct {
	entry  timeline.Entry
	update bool
}

type bannerMsg struct {
	level timeline.Level
	text  string
}

type usersMsg []models.OnlineUser

type countMsg int

type connectionMsg transport.State

type submitErrMsg struct{ err error }

// View forwards timeline calls to a running bubbletea program. It is safe to
// call from the session loop because tea.Program.Send is.
type View struct {
	send func(tea.Msg)
}

// NewView creates a view that delivers through send, usually
// (*tea.Program).Send.
func NewView(send func(tea.Msg)) *View {
	return &View{send: send}
}

func (v *View) Append(e timeline.Entry)                  { v.send(entryMsg{entry: e}) }
func (v *View) Update(e timeline.Entry)                  { v.send(entryMsg{entry: e, update: true}) }
func (v *View) Banner(level timeline.Level, text string) { v.send(bannerMsg{level: level, text: text}) }
func (v *View) SetOnlineUsers(users []models.OnlineUser) { v.send(usersMsg(users)) }
func (v *View) SetOnlineCount(count int)                 { v.send(countMsg(count)) }
func (v *View) SetConnection(state transport.State)      { v.send(connectionMsg(state)) }
