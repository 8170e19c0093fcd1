package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"chat-sync-demo/client/internal/models"
)

type sent struct {
	event   string
	payload any
}

type fakeConn struct {
	mu      sync.Mutex
	emitted []sent
	closed  bool
	handler Handler
}

func (c *fakeConn) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.emitted = append(c.emitted, sent{event: event, payload: payload})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.emitted))
	for _, s := range c.emitted {
		out = append(out, s.event)
	}
	return out
}

// push delivers a server event through the connection's handler
func (c *fakeConn) push(event string, payload any) {
	data, _ := json.Marshal(payload)
	c.handler.OnEvent(Envelope{Event: event, Data: data})
}

type fakeDialer struct {
	mu    sync.Mutex
	errs  []error
	fail  error
	conns []*fakeConn
	calls int
	// closeOnDial makes the connection drop before Dial returns
	closeOnDial error
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ http.Header, h Handler) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if d.fail != nil {
		return nil, d.fail
	}
	c := &fakeConn{handler: h}
	d.conns = append(d.conns, c)
	if d.closeOnDial != nil {
		h.OnClose(d.closeOnDial)
	}
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type historyReply struct {
	msgs []models.Message
	err  error
}

type fakeFallback struct {
	mu           sync.Mutex
	history      []historyReply
	historyCalls int
	sendResult   SendResult
	sendErr      error
	sent         []string
	count        int
	countErr     error
}

func (f *fakeFallback) History(context.Context, string, int, int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.historyCalls
	f.historyCalls++
	if len(f.history) == 0 {
		return nil, nil
	}
	if i >= len(f.history) {
		i = len(f.history) - 1
	}
	return f.history[i].msgs, f.history[i].err
}

func (f *fakeFallback) Send(_ context.Context, _ string, message string) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return f.sendResult, f.sendErr
}

func (f *fakeFallback) OnlineCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.countErr
}

type recordingSink struct {
	messages []models.Message
	statuses []StatusPayload
	users    []models.OnlineUser
	counts   []int
	states   []State
	notices  []string
}

func (s *recordingSink) OnMessage(m models.Message)          { s.messages = append(s.messages, m) }
func (s *recordingSink) OnStatus(p StatusPayload)            { s.statuses = append(s.statuses, p) }
func (s *recordingSink) OnOnlineUsers(u []models.OnlineUser) { s.users = u }
func (s *recordingSink) OnOnlineCount(n int)                 { s.counts = append(s.counts, n) }
func (s *recordingSink) OnStateChange(st State)              { s.states = append(s.states, st) }
func (s *recordingSink) OnNotice(text string)                { s.notices = append(s.notices, text) }
