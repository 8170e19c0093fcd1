package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"chat-sync-demo/client/internal/eventloop"
	"chat-sync-demo/client/internal/models"
	"chat-sync-demo/client/pkg/errors"
	"chat-sync-demo/client/pkg/logger"
	"chat-sync-demo/client/pkg/metrics"
	"chat-sync-demo/client/pkg/resilience"

	"github.com/cenkalti/backoff/v4"
)

// State is the push channel lifecycle state
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	DegradedPolling
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case DegradedPolling:
		return "degraded_polling"
	default:
		return "disconnected"
	}
}

// StateNames lists every state label, for metrics
var StateNames = []string{
	Disconnected.String(),
	Connecting.String(),
	Connected.String(),
	DegradedPolling.String(),
}

// ErrNotConnected is returned by Emit outside the Connected state
var ErrNotConnected = stderrors.New("transport: push channel not connected")

// Sink receives everything the transport delivers. Calls happen on the
// scheduler.
type Sink interface {
	OnMessage(m models.Message)
	OnStatus(p StatusPayload)
	OnOnlineUsers(users []models.OnlineUser)
	OnOnlineCount(count int)
	OnStateChange(s State)
	OnNotice(text string)
}

// Options configures the state machine
type Options struct {
	RoomID              string
	PushURL             string
	Header              http.Header
	PushEnabled         bool
	ReconnectAttempts   int
	ReconnectDelay      time.Duration
	RetryDelay          time.Duration
	DegradeDelay        time.Duration
	PollInterval        time.Duration
	PollLimit           int
	OnlineCountInterval time.Duration
	// Go runs blocking I/O. Defaults to a new goroutine.
	Go func(func())
}

// Machine drives the push channel and falls back to polling. All methods
// must be called on the scheduler.
type Machine struct {
	sched   eventloop.Scheduler
	dialer  Dialer
	api     Fallback
	sink    Sink
	opts    Options
	metrics *metrics.Metrics
	log     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state         State
	conn          Conn
	attempt       uint64
	joined        bool
	connectedOnce bool
	earlyClose    error
	earlyAttempt  uint64
	retry         backoff.BackOff
	lastMessageID int64
	generation    uint64
	pollFailing   bool
	started       bool
	stopped       bool

	retryTimer     eventloop.Timer
	reconnectTimer eventloop.Timer
	degradeTimer   eventloop.Timer
	pollTimer      eventloop.Timer
	countTimer     eventloop.Timer
}

// NewMachine creates a machine in the Disconnected state. A nil dialer means
// the push capability is absent.
func NewMachine(sched eventloop.Scheduler, dialer Dialer, api Fallback, sink Sink, opts Options, m *metrics.Metrics, log *logger.Logger) *Machine {
	if opts.Go == nil {
		opts.Go = func(fn func()) { go fn() }
	}
	if opts.PollLimit <= 0 {
		opts.PollLimit = 50
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.OnlineCountInterval <= 0 {
		opts.OnlineCountInterval = 30 * time.Second
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}
	if log == nil {
		log = logger.GetGlobal()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mc := &Machine{
		sched:   sched,
		dialer:  dialer,
		api:     api,
		sink:    sink,
		opts:    opts,
		metrics: m,
		log:     log.WithComponent("transport").WithRoomID(opts.RoomID),
		ctx:     ctx,
		cancel:  cancel,
		retry:   backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryDelay), uint64(opts.ReconnectAttempts)),
	}
	m.SetTransportState(Disconnected.String(), StateNames)
	return mc
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// LastMessageID returns the highest server id delivered so far
func (m *Machine) LastMessageID() int64 {
	return m.lastMessageID
}

// observe advances the poll cursor. Only messages the server delivers to
// this client move it, never a send confirmation.
func (m *Machine) observe(id int64) {
	if id > m.lastMessageID {
		m.lastMessageID = id
	}
}

// Start begins connecting, or polls right away when push is unavailable
func (m *Machine) Start() {
	if m.started || m.stopped {
		return
	}
	m.started = true

	if m.dialer == nil || !m.opts.PushEnabled || m.opts.PushURL == "" {
		m.log.Info("Push channel unavailable, polling")
		m.degrade()
		return
	}
	m.setState(Connecting)
	m.retry.Reset()
	m.dial()
}

// Stop leaves the room, closes the channel and cancels every timer
func (m *Machine) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	m.stopTimers()
	m.stopPolling()

	if m.conn != nil {
		if m.state == Connected {
			if err := m.conn.Emit(EventLeave, JoinPayload{Room: m.opts.RoomID}); err != nil {
				m.log.Debug("Leave not sent", "error", err.Error())
			}
		}
		_ = m.conn.Close()
		m.conn = nil
	}
	m.cancel()
	m.state = Disconnected
	m.metrics.SetTransportState(Disconnected.String(), StateNames)
}

// Emit sends an event on the push channel
func (m *Machine) Emit(event string, payload any) error {
	if m.state != Connected || m.conn == nil {
		return ErrNotConnected
	}
	return m.conn.Emit(event, payload)
}

// SendFallback posts a message over the request/response channel and calls
// done on the scheduler with the outcome.
func (m *Machine) SendFallback(content string, done func(SendResult, error)) {
	ctx := m.ctx
	m.opts.Go(func() {
		res, err := m.api.Send(ctx, m.opts.RoomID, content)
		m.sched.Post(func() {
			if m.stopped {
				return
			}
			done(res, err)
		})
	})
}

// LoadHistory fetches recent history and delivers every item. A newer fetch
// supersedes an older one still in flight.
func (m *Machine) LoadHistory() {
	gen := m.nextGeneration()
	ctx := m.ctx
	m.opts.Go(func() {
		msgs, err := m.api.History(ctx, m.opts.RoomID, 0, m.opts.PollLimit)
		m.sched.Post(func() { m.completeHistory(gen, msgs, err) })
	})
}

func (m *Machine) completeHistory(gen uint64, msgs []models.Message, err error) {
	if m.stopped {
		return
	}
	if gen != m.generation {
		m.log.Debug("Discarding stale history", "generation", gen, "current", m.generation)
		return
	}
	if err != nil {
		m.log.LogError(err, "History load failed")
		m.sink.OnNotice(noticeFor("Could not load history", err))
		return
	}
	for _, msg := range msgs {
		m.observe(msg.ID)
		m.sink.OnMessage(msg)
	}
}

func (m *Machine) poll() {
	gen := m.nextGeneration()
	ctx := m.ctx
	m.opts.Go(func() {
		msgs, err := m.api.History(ctx, m.opts.RoomID, 0, m.opts.PollLimit)
		m.sched.Post(func() { m.completePoll(gen, msgs, err) })
	})
}

func (m *Machine) completePoll(gen uint64, msgs []models.Message, err error) {
	if m.stopped {
		return
	}
	if gen != m.generation {
		m.log.Debug("Discarding stale poll", "generation", gen, "current", m.generation)
		return
	}
	if err != nil {
		m.metrics.Polled(metrics.PollError)
		if !m.pollFailing && !stderrors.Is(err, resilience.ErrOpen) {
			m.pollFailing = true
			m.log.LogError(err, "Poll failed")
			m.sink.OnNotice(noticeFor("Could not refresh messages", err))
		}
		return
	}

	m.metrics.Polled(metrics.PollOK)
	m.pollFailing = false
	threshold := m.lastMessageID
	for _, msg := range msgs {
		if msg.ID <= threshold {
			continue
		}
		m.observe(msg.ID)
		m.sink.OnMessage(msg)
	}
}

func (m *Machine) fetchCount() {
	ctx := m.ctx
	m.opts.Go(func() {
		n, err := m.api.OnlineCount(ctx)
		m.sched.Post(func() {
			if m.stopped {
				return
			}
			if err != nil {
				m.log.Debug("Online count failed", "error", err.Error())
				return
			}
			m.sink.OnOnlineCount(n)
		})
	})
}

func (m *Machine) nextGeneration() uint64 {
	m.generation++
	return m.generation
}

func (m *Machine) dial() {
	if m.stopped || m.state == DegradedPolling {
		return
	}
	m.retryTimer = nil
	m.reconnectTimer = nil
	m.attempt++
	attempt := m.attempt
	m.joined = false
	m.setState(Connecting)

	ctx := m.ctx
	handler := Handler{
		OnEvent: func(env Envelope) {
			m.sched.Post(func() { m.handleEvent(attempt, env) })
		},
		OnClose: func(err error) {
			m.sched.Post(func() { m.handleClose(attempt, err) })
		},
	}
	m.opts.Go(func() {
		conn, err := m.dialer.Dial(ctx, m.opts.PushURL, m.opts.Header, handler)
		m.sched.Post(func() { m.handleDial(attempt, conn, err) })
	})
}

func (m *Machine) handleDial(attempt uint64, conn Conn, err error) {
	if m.stopped || attempt != m.attempt || m.state == DegradedPolling {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		if stderrors.Is(err, ErrPushUnavailable) {
			m.log.Warn("Push channel refused, degrading", "error", err.Error())
			m.scheduleDegrade()
			return
		}
		delay := m.retry.NextBackOff()
		if delay == backoff.Stop {
			m.log.Warn("Reconnect attempts exhausted, degrading", "error", err.Error())
			m.degrade()
			return
		}
		m.log.Info("Connect failed, retrying", "error", err.Error(), "delay", delay.String())
		m.retryTimer = m.sched.AfterFunc(delay, m.dial)
		return
	}

	m.conn = conn
	m.retry.Reset()
	m.setState(Connected)

	if !m.joined {
		if err := conn.Emit(EventJoin, JoinPayload{Room: m.opts.RoomID}); err != nil {
			m.log.Warn("Join not sent", "error", err.Error())
		}
		m.joined = true
	}
	if err := conn.Emit(EventGetOnlineUsers, RoomPayload{RoomID: m.opts.RoomID}); err != nil {
		m.log.Debug("Online users request not sent", "error", err.Error())
	}

	if m.connectedOnce {
		m.LoadHistory()
	}
	m.connectedOnce = true

	if m.earlyAttempt == attempt {
		m.earlyAttempt = 0
		m.handleClose(attempt, m.earlyClose)
	}
}

func (m *Machine) handleClose(attempt uint64, err error) {
	if m.stopped || attempt != m.attempt {
		return
	}
	if m.conn == nil {
		// closed before the dial result was processed
		m.earlyAttempt = attempt
		m.earlyClose = err
		return
	}
	m.conn = nil

	switch {
	case m.state == DegradedPolling:
		return
	case stderrors.Is(err, ErrClientClosed):
		return
	case stderrors.Is(err, ErrServerClosed):
		m.log.Info("Server closed the push channel")
		m.setState(Disconnected)
		return
	}

	errText := "<nil>"
	if err != nil {
		errText = err.Error()
	}
	m.log.Warn("Push channel lost, reconnecting", "error", errText, "delay", m.opts.ReconnectDelay.String())
	m.setState(Connecting)
	m.retry.Reset()
	m.reconnectTimer = m.sched.AfterFunc(m.opts.ReconnectDelay, m.dial)
}

func (m *Machine) handleEvent(attempt uint64, env Envelope) {
	if m.stopped || attempt != m.attempt {
		return
	}

	switch env.Event {
	case EventMessage:
		var msg models.Message
		if err := env.Decode(&msg); err != nil {
			m.log.Warn("Malformed message event", "error", err.Error())
			return
		}
		m.observe(msg.ID)
		m.sink.OnMessage(msg)

	case EventStatus:
		var p StatusPayload
		if err := env.Decode(&p); err != nil {
			m.log.Warn("Malformed status event", "error", err.Error())
			return
		}
		m.sink.OnStatus(p)

	case EventOnlineUsers:
		var p OnlineUsersPayload
		if err := env.Decode(&p); err != nil {
			m.log.Warn("Malformed online_users event", "error", err.Error())
			return
		}
		m.sink.OnOnlineUsers(p.Users)

	case EventError:
		var p ErrorPayload
		_ = env.Decode(&p)
		m.sink.OnNotice(p.Message)

	case EventConnectError:
		m.log.Warn("Server reported a connection error, degrading")
		m.scheduleDegrade()

	default:
		m.log.Debug("Ignoring event", "event", env.Event)
	}
}

func (m *Machine) scheduleDegrade() {
	if m.degradeTimer != nil || m.state == DegradedPolling {
		return
	}
	m.degradeTimer = m.sched.AfterFunc(m.opts.DegradeDelay, m.degrade)
}

// degrade switches to polling for the rest of the session
func (m *Machine) degrade() {
	if m.stopped || m.state == DegradedPolling {
		return
	}
	m.stopTimers()
	m.attempt++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setState(DegradedPolling)

	m.poll()
	m.fetchCount()
	m.pollTimer = m.sched.Every(m.opts.PollInterval, m.poll)
	m.countTimer = m.sched.Every(m.opts.OnlineCountInterval, m.fetchCount)
}

func (m *Machine) stopTimers() {
	for _, t := range []*eventloop.Timer{&m.retryTimer, &m.reconnectTimer, &m.degradeTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (m *Machine) stopPolling() {
	for _, t := range []*eventloop.Timer{&m.pollTimer, &m.countTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (m *Machine) setState(s State) {
	if s == m.state {
		return
	}
	m.log.Info("Transport state changed", "from", m.state.String(), "to", s.String())
	m.state = s
	m.metrics.SetTransportState(s.String(), StateNames)
	m.sink.OnStateChange(s)
}

func noticeFor(prefix string, err error) string {
	return fmt.Sprintf("%s: %s", prefix, errors.GetErrorMessage(err))
}
