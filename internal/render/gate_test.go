package render

import (
	"errors"
	"strings"
	"testing"
	"time"

	"chat-sync-demo/client/internal/eventloop"
	"chat-sync-demo/client/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upper(content string) (string, error) {
	return strings.ToUpper(content), nil
}

func newGate(opts Options) (*Gate, *eventloop.Manual) {
	sched := eventloop.NewManual(time.Unix(1_700_000_000, 0))
	return NewGate(sched, opts, logger.Discard()), sched
}

func TestGateQueuesUntilRegisteredAndDrainsInOrder(t *testing.T) {
	g, _ := newGate(Options{})

	var delivered []string
	for _, c := range []string{"one", "two", "three"} {
		markup, queued := g.RenderOrQueue(c, func(m string) { delivered = append(delivered, m) })
		assert.True(t, queued)
		assert.Empty(t, markup)
	}
	assert.Equal(t, 3, g.Queued())
	assert.False(t, g.Ready())

	g.Register(upper)

	assert.Equal(t, []string{"ONE", "TWO", "THREE"}, delivered)
	assert.Equal(t, 0, g.Queued())

	markup, queued := g.RenderOrQueue("four", nil)
	assert.False(t, queued)
	assert.Equal(t, "FOUR", markup)
}

func TestGateFallbackOnErrorAndPanic(t *testing.T) {
	fallbacks := 0
	g, _ := newGate(Options{OnFallback: func() { fallbacks++ }})

	g.Register(func(content string) (string, error) {
		switch content {
		case "bad":
			return "", errors.New("cannot render")
		case "panic":
			panic("renderer exploded")
		}
		return "ok:" + content, nil
	})

	markup, _ := g.RenderOrQueue("bad", nil)
	assert.Equal(t, `<div class="render-error">bad</div>`, markup)

	markup, _ = g.RenderOrQueue("panic", nil)
	assert.Equal(t, `<div class="render-error">panic</div>`, markup)

	markup, _ = g.RenderOrQueue("<b>", nil)
	assert.Equal(t, "ok:<b>", markup)
	assert.Equal(t, 2, fallbacks)
}

func TestFallbackEscapes(t *testing.T) {
	assert.Equal(t, `<div class="render-error">&lt;script&gt;</div>`, FallbackHTML("<script>"))
	out, err := PlaintextHTML(`a & "b"`)
	require.NoError(t, err)
	assert.Equal(t, `<pre class="plaintext-render">a &amp; &#34;b&#34;</pre>`, out)
}

func TestProbeTreatsErrorsAsNotReady(t *testing.T) {
	g, _ := newGate(Options{})
	assert.False(t, g.Probe())

	g.Offer(func(string) (string, error) { return "", errors.New("not loaded") })
	assert.False(t, g.Probe())

	g.Offer(func(string) (string, error) { panic("missing dependency") })
	assert.False(t, g.Probe())

	g.Offer(upper)
	assert.True(t, g.Probe())
}

func TestAwaitReadyActivatesCandidateWhenItStartsWorking(t *testing.T) {
	loaded := false
	g, sched := newGate(Options{ProbeInterval: time.Second, ProbeAttempts: 3})
	g.Offer(func(c string) (string, error) {
		if !loaded {
			return "", errors.New("still loading")
		}
		return "md:" + c, nil
	})

	var got string
	g.RenderOrQueue("early", func(m string) { got = m })
	g.AwaitReady()
	assert.False(t, g.Ready())

	loaded = true
	sched.Advance(time.Second)
	assert.True(t, g.Ready())
	assert.Equal(t, "md:early", got)
	assert.Equal(t, 0, sched.Pending())
}

func TestAwaitReadyForcesPlaintextAfterAttempts(t *testing.T) {
	g, sched := newGate(Options{ProbeInterval: time.Second, ProbeAttempts: 3})

	var got string
	g.RenderOrQueue("x < y", func(m string) { got = m })
	g.AwaitReady()

	sched.Advance(time.Second)
	assert.False(t, g.Ready())
	sched.Advance(time.Second)
	assert.True(t, g.Ready())
	assert.Equal(t, `<pre class="plaintext-render">x &lt; y</pre>`, got)
	assert.Equal(t, 0, sched.Pending())
}

func TestBrokenRendererTriggersRecovery(t *testing.T) {
	broken := false
	recovered := 0
	var g *Gate
	var sched *eventloop.Manual
	var rerendered []string

	g, sched = newGate(Options{
		ProbeInterval: time.Second,
		ProbeAttempts: 2,
		OnRecover: func() {
			recovered++
			for _, c := range []string{"a", "b"} {
				g.RenderOrQueue(c, func(m string) { rerendered = append(rerendered, m) })
			}
		},
	})
	g.Register(func(c string) (string, error) {
		if broken {
			return "", errors.New("dependency unloaded")
		}
		return "rich:" + c, nil
	})

	broken = true
	markup, _ := g.RenderOrQueue("b", nil)
	assert.Equal(t, `<div class="render-error">b</div>`, markup)

	sched.Flush()
	assert.Equal(t, 1, recovered)
	assert.False(t, g.Ready())
	assert.Equal(t, 2, g.Queued())

	sched.Advance(time.Second)
	require.True(t, g.Ready())
	assert.Equal(t, []string{
		`<pre class="plaintext-render">a</pre>`,
		`<pre class="plaintext-render">b</pre>`,
	}, rerendered)
}

func TestContentSpecificFailureDoesNotReset(t *testing.T) {
	recovered := 0
	g, sched := newGate(Options{OnRecover: func() { recovered++ }})
	g.Register(func(c string) (string, error) {
		if c == "weird" {
			return "", errors.New("unsupported construct")
		}
		return c, nil
	})

	g.RenderOrQueue("weird", nil)
	sched.Flush()
	assert.True(t, g.Ready())
	assert.Equal(t, 0, recovered)
}
