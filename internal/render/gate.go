package render

import (
	"time"

	"chat-sync-demo/client/internal/eventloop"
	"chat-sync-demo/client/pkg/errors"
	"chat-sync-demo/client/pkg/logger"
)

// Func turns raw message text into displayable markup
type Func func(content string) (string, error)

// canary is rendered by Probe to decide whether a renderer actually works.
const canary = "**ready** `probe` $x^2$"

type queued struct {
	content string
	deliver func(markup string)
}

// Options configures a Gate
type Options struct {
	ProbeInterval time.Duration
	ProbeAttempts int
	// Fallback produces markup for content whose render failed.
	Fallback func(content string) string
	// Plaintext is forced into place when readiness probing gives up.
	Plaintext Func
	// OnFallback is called once for every fallback rendering.
	OnFallback func()
	// OnRecover is called, on the scheduler, after the gate resets itself
	// because the active renderer broke. Callers re-submit displayed
	// content from here.
	OnRecover func()
	// OnReady is called whenever a renderer becomes active
	OnReady func()
}

// Gate buffers render requests until a working renderer is available.
// It is not safe for concurrent use; drive it from one Scheduler.
type Gate struct {
	sched      eventloop.Scheduler
	opts       Options
	active     Func
	candidate  Func
	queue      []queued
	probeTimer eventloop.Timer
	probesLeft int
	recovering bool
	log        *logger.Logger
}

// NewGate creates a gate with no renderer
func NewGate(sched eventloop.Scheduler, opts Options, log *logger.Logger) *Gate {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Second
	}
	if opts.ProbeAttempts <= 0 {
		opts.ProbeAttempts = 3
	}
	if opts.Fallback == nil {
		opts.Fallback = FallbackHTML
	}
	if opts.Plaintext == nil {
		opts.Plaintext = PlaintextHTML
	}
	if log == nil {
		log = logger.GetGlobal()
	}
	return &Gate{
		sched: sched,
		opts:  opts,
		log:   log.WithComponent("render"),
	}
}

// Ready reports whether a renderer is active
func (g *Gate) Ready() bool {
	return g.active != nil
}

// Queued reports how many requests are waiting for a renderer
func (g *Gate) Queued() int {
	return len(g.queue)
}

// RenderOrQueue renders content now when a renderer is active. Otherwise the
// request is queued and deliver is called once the gate drains.
func (g *Gate) RenderOrQueue(content string, deliver func(markup string)) (string, bool) {
	if g.active == nil {
		g.queue = append(g.queue, queued{content: content, deliver: deliver})
		return "", true
	}
	return g.render(content), false
}

// Offer sets the renderer that readiness probing will try to activate
func (g *Gate) Offer(fn Func) {
	g.candidate = fn
}

// Register activates fn right away and drains the queue in FIFO order
func (g *Gate) Register(fn Func) {
	if fn == nil {
		return
	}
	g.stopProbing()
	g.candidate = fn
	g.active = fn
	g.recovering = false

	pending := g.queue
	g.queue = nil
	g.log.Debug("Render gate ready", "drained", len(pending))
	if g.opts.OnReady != nil {
		g.opts.OnReady()
	}

	for _, q := range pending {
		markup := g.render(q.content)
		if q.deliver != nil {
			deliver := q.deliver
			_ = errors.Guard(g.log, "render.deliver", func() { deliver(markup) })
		}
	}
}

// Probe renders a canary through the candidate renderer. Any error or panic
// means the candidate is not actually ready.
func (g *Gate) Probe() bool {
	return probe(g.candidate, g.log)
}

func probe(fn Func, log *logger.Logger) bool {
	if fn == nil {
		return false
	}
	var err error
	if perr := errors.Guard(log, "render.probe", func() { _, err = fn(canary) }); perr != nil {
		return false
	}
	return err == nil
}

// AwaitReady probes the candidate now and then every ProbeInterval. A
// successful probe activates the candidate. When attempts run out the
// plaintext renderer is forced into place.
func (g *Gate) AwaitReady() {
	if g.active != nil {
		return
	}
	g.stopProbing()
	g.probesLeft = g.opts.ProbeAttempts
	if g.tryActivate() {
		return
	}
	g.probeTimer = g.sched.Every(g.opts.ProbeInterval, func() {
		g.tryActivate()
	})
}

func (g *Gate) tryActivate() bool {
	if g.active != nil {
		g.stopProbing()
		return true
	}
	if g.Probe() {
		g.Register(g.candidate)
		return true
	}
	g.probesLeft--
	if g.probesLeft > 0 {
		return false
	}
	g.log.Warn("Renderer not ready, forcing plaintext", "attempts", g.opts.ProbeAttempts)
	plaintext := g.opts.Plaintext
	g.Register(plaintext)
	return true
}

func (g *Gate) stopProbing() {
	if g.probeTimer != nil {
		g.probeTimer.Stop()
		g.probeTimer = nil
	}
}

// Reset deactivates the current renderer. New requests queue until the gate
// is ready again.
func (g *Gate) Reset() {
	if g.active != nil {
		g.candidate = g.active
	}
	g.active = nil
	g.stopProbing()
}

// Close stops readiness probing and drops queued requests
func (g *Gate) Close() {
	g.stopProbing()
	g.queue = nil
}

func (g *Gate) render(content string) string {
	fn := g.active
	var (
		markup string
		err    error
	)
	if perr := errors.Guard(g.log, "render", func() { markup, err = fn(content) }); perr != nil {
		err = perr
	}
	if err == nil {
		return markup
	}

	g.log.Warn("Render failed, using fallback", "error", err.Error(), "length", len(content))
	if g.opts.OnFallback != nil {
		g.opts.OnFallback()
	}

	if !g.recovering && !probe(fn, g.log) {
		g.recovering = true
		g.sched.Post(g.recover)
	}
	return g.opts.Fallback(content)
}

func (g *Gate) recover() {
	if !g.recovering {
		return
	}
	g.log.Warn("Renderer broke after becoming ready, re-rendering timeline")
	g.Reset()
	if g.opts.OnRecover != nil {
		_ = errors.Guard(g.log, "render.recover", g.opts.OnRecover)
	}
	g.AwaitReady()
}
