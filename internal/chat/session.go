package chat

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"chat-sync-demo/client/internal/bootstrap"
	"chat-sync-demo/client/internal/dedupe"
	"chat-sync-demo/client/internal/eventloop"
	"chat-sync-demo/client/internal/render"
	"chat-sync-demo/client/internal/timeline"
	"chat-sync-demo/client/internal/transport"
	"chat-sync-demo/client/pkg/config"
	"chat-sync-demo/client/pkg/errors"
	"chat-sync-demo/client/pkg/health"
	"chat-sync-demo/client/pkg/logger"
	"chat-sync-demo/client/pkg/metrics"
	"chat-sync-demo/client/pkg/resilience"
)

// Deps are the collaborators a session can be given. Zero values select the
// production implementations.
type Deps struct {
	// Scheduler replaces the session's own event loop. Callers that inject
	// one must invoke Submit, RenderReady and Close from it.
	Scheduler eventloop.Scheduler
	Dialer    transport.Dialer
	API       transport.Fallback
	Views     []timeline.View
	// Renderer is offered to the render gate at startup. It becomes active
	// once a canary render succeeds.
	Renderer render.Func
	// Plaintext is forced when the renderer never becomes ready
	Plaintext render.Func
	// Fallback formats content whose render failed
	Fallback func(string) string
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
	// Go runs blocking network calls. Defaults to a new goroutine.
	Go func(func())
}

// Session is one joined room. It owns the event loop, the timeline and the
// transport; two sessions share nothing.
type Session struct {
	cfg      *config.Config
	identity bootstrap.Identity
	sched    eventloop.Scheduler
	loop     *eventloop.Loop
	gate     *render.Gate
	timeline *timeline.Reconciler
	machine  *transport.Machine
	metrics  *metrics.Metrics
	health   *health.Checker
	renderer render.Func
	log      *logger.Logger

	state       atomic.Int32
	renderReady atomic.Bool
	breaker     atomic.Value
	started     atomic.Bool
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

// Open loads the bootstrap document at path and creates a session for it
func Open(cfg *config.Config, path string, deps Deps) (*Session, error) {
	id, err := bootstrap.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, id, deps)
}

// New wires a session for the room in id. Nothing runs until Run.
func New(cfg *config.Config, id bootstrap.Identity, deps Deps) (*Session, error) {
	if id.RoomID == "" {
		return nil, errors.NewBootstrapError(errors.CodeBootstrapInvalid, "bootstrap document has no room_id", nil)
	}
	if cfg == nil {
		cfg = config.Default()
	}

	log := deps.Logger
	if log == nil {
		log = logger.GetGlobal()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Session{
		cfg:      cfg,
		identity: id,
		metrics:  m,
		renderer: deps.Renderer,
		log:      log.WithComponent("session").WithRoomID(id.RoomID).WithUserID(id.UserID),
	}
	s.breaker.Store(resilience.StateClosed)

	s.sched = deps.Scheduler
	if s.sched == nil {
		s.loop = eventloop.New(log)
		s.sched = s.loop
	}

	s.gate = render.NewGate(s.sched, render.Options{
		ProbeInterval: cfg.Render.ProbeInterval,
		ProbeAttempts: cfg.Render.ProbeAttempts,
		Fallback:      deps.Fallback,
		Plaintext:     deps.Plaintext,
		OnFallback:    m.Fallback,
		OnReady:       func() { s.renderReady.Store(true) },
		OnRecover: func() {
			s.renderReady.Store(false)
			s.timeline.Rerender()
		},
	}, log)

	var view timeline.View
	switch len(deps.Views) {
	case 0:
	case 1:
		view = deps.Views[0]
	default:
		view = timeline.Views(deps.Views)
	}

	s.timeline = timeline.New(s.sched, s.gate, view, timeline.Options{
		Identity: id,
		Dedupe: dedupe.Options{
			IdentityCapacity: cfg.Dedupe.IdentityCapacity,
			FingerprintChars: cfg.Dedupe.FingerprintChars,
			SystemCapacity:   cfg.Dedupe.SystemCapacity,
			SystemEvict:      cfg.Dedupe.SystemEvict,
		},
		StatusWindow:     cfg.Dedupe.StatusWindow,
		StatusCleanup:    cfg.Dedupe.StatusCleanup,
		ConfirmTimeout:   cfg.Pending.ConfirmTimeout,
		MaxMessageLength: cfg.Pending.MaxMessageLength,
	}, m, log)

	header := transport.IdentityHeader(id)
	api := deps.API
	if api == nil {
		api = transport.NewAPI(transport.APIOptions{
			BaseURL:         cfg.Server.BaseURL,
			Timeout:         cfg.Server.RequestTimeout,
			Header:          header,
			Rate:            cfg.Transport.RequestRate,
			Burst:           cfg.Transport.RequestBurst,
			BreakerFailures: cfg.Transport.BreakerFailures,
			BreakerRetry:    cfg.Transport.BreakerRetry,
			OnBreakerChange: func(_, to resilience.State) { s.breaker.Store(to) },
		}, log)
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = transport.WebsocketDialer{HandshakeTimeout: cfg.Transport.HandshakeTimeout, Log: log}
	}

	s.machine = transport.NewMachine(s.sched, dialer, api, sessionSink{Reconciler: s.timeline, s: s}, transport.Options{
		RoomID:              id.RoomID,
		PushURL:             cfg.PushURL(),
		Header:              header,
		PushEnabled:         cfg.Transport.PushEnabled,
		ReconnectAttempts:   cfg.Transport.ReconnectAttempts,
		ReconnectDelay:      cfg.Transport.ReconnectDelay,
		RetryDelay:          cfg.Transport.RetryDelay,
		DegradeDelay:        cfg.Transport.DegradeDelay,
		PollInterval:        cfg.Transport.PollInterval,
		PollLimit:           cfg.Transport.PollLimit,
		OnlineCountInterval: cfg.Transport.OnlineCountInterval,
		Go:                  deps.Go,
	}, m, log)
	s.timeline.Bind(s.machine)

	s.health = health.NewChecker(log, 10*time.Second)
	s.health.RegisterCheck("transport", true, s.transportHealth)
	s.health.RegisterCheck("render", false, s.renderHealth)

	return s, nil
}

// Run starts the event loop, the render readiness check, the initial
// history load and the transport. It does not block.
func (s *Session) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	if s.loop != nil {
		s.loop.Start(ctx)
	}
	s.health.Start(ctx)

	s.log.Info("Session starting", "push_url", s.cfg.PushURL(), "push_enabled", s.cfg.Transport.PushEnabled)
	s.sched.Post(func() {
		if s.renderer != nil {
			s.gate.Offer(s.renderer)
		}
		s.gate.AwaitReady()
		s.machine.LoadHistory()
		s.machine.Start()
	})
}

// Submit sends text as the local user
func (s *Session) Submit(text string) error {
	var err error
	if !s.do(func() { err = s.timeline.SubmitLocal(text) }) {
		return context.Canceled
	}
	return err
}

// RenderReady signals that fn can render content. Queued messages are
// rendered with it in arrival order.
func (s *Session) RenderReady(fn render.Func) {
	s.do(func() { s.gate.Register(fn) })
}

// Close leaves the room and stops every timer and goroutine the session
// started. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		stop := func() {
			s.machine.Stop()
			s.timeline.Close()
			s.gate.Close()
		}
		if !s.do(stop) {
			// the loop already exited with its context
			stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.loop != nil {
			s.loop.Close()
		}
		s.log.Info("Session closed")
	})
}

// Done is closed when the session's own loop stops. It is nil for an
// injected scheduler.
func (s *Session) Done() <-chan struct{} {
	if s.loop == nil {
		return nil
	}
	return s.loop.Done()
}

// Identity returns the bootstrap identity of the local user
func (s *Session) Identity() bootstrap.Identity {
	return s.identity
}

// State returns the last transport state seen by the session
func (s *Session) State() transport.State {
	return transport.State(s.state.Load())
}

// Entries snapshots the timeline
func (s *Session) Entries() []timeline.Entry {
	var out []timeline.Entry
	s.do(func() { out = s.timeline.Entries() })
	return out
}

// LastMessageID returns the highest server id observed
func (s *Session) LastMessageID() int64 {
	var id int64
	s.do(func() { id = s.machine.LastMessageID() })
	return id
}

// Metrics returns the session's collectors
func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

// Health returns the component checker
func (s *Session) Health() *health.Checker { return s.health }

// HealthHandler serves the component status as JSON
func (s *Session) HealthHandler() http.Handler {
	return s.health.HTTPHandler()
}

// do runs fn on the scheduler and waits. With an injected scheduler the
// caller is already on it.
func (s *Session) do(fn func()) bool {
	if s.loop == nil {
		fn()
		return true
	}
	if !s.started.Load() {
		// nothing drains the loop yet
		fn()
		return true
	}
	return s.loop.Do(fn)
}

func (s *Session) transportHealth() (health.Status, string, error) {
	if b, _ := s.breaker.Load().(resilience.State); b == resilience.StateOpen {
		return health.StatusDegraded, "request channel circuit open", nil
	}
	switch st := s.State(); st {
	case transport.Connected:
		return health.StatusUp, "push channel connected", nil
	case transport.Disconnected:
		return health.StatusDown, "disconnected", nil
	default:
		return health.StatusDegraded, st.String(), nil
	}
}

func (s *Session) renderHealth() (health.Status, string, error) {
	if s.renderReady.Load() {
		return health.StatusUp, "renderer ready", nil
	}
	return health.StatusDegraded, "waiting for renderer", nil
}

// sessionSink records transport state for health reporting before handing
// every event to the timeline.
type sessionSink struct {
	*timeline.Reconciler
	s *Session
}

func (k sessionSink) OnStateChange(st transport.State) {
	k.s.state.Store(int32(st))
	k.Reconciler.OnStateChange(st)
}
