package timeline

import (
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"chat-sync-demo/client/internal/bootstrap"
	"chat-sync-demo/client/internal/dedupe"
	"chat-sync-demo/client/internal/eventloop"
	"chat-sync-demo/client/internal/models"
	"chat-sync-demo/client/internal/render"
	"chat-sync-demo/client/internal/transport"
	"chat-sync-demo/client/pkg/errors"
	"chat-sync-demo/client/pkg/logger"
	"chat-sync-demo/client/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeTransport struct {
	state      transport.State
	emitted    []transport.SendPayload
	emitErr    error
	sendResult transport.SendResult
	sendErr    error
	sent       []string
}

func (f *fakeTransport) State() transport.State { return f.state }

func (f *fakeTransport) Emit(event string, payload any) error {
	if f.emitErr != nil {
		return f.emitErr
	}
	if p, ok := payload.(transport.SendPayload); ok && event == transport.EventSendMessage {
		f.emitted = append(f.emitted, p)
	}
	return nil
}

func (f *fakeTransport) SendFallback(content string, done func(transport.SendResult, error)) {
	f.sent = append(f.sent, content)
	done(f.sendResult, f.sendErr)
}

type recordingView struct {
	appended []Entry
	updated  []Entry
	banners  []string
	levels   []Level
	users    []models.OnlineUser
	count    int
	states   []transport.State
	panicOn  string
}

func (v *recordingView) Append(e Entry) {
	if v.panicOn == "append" {
		panic("view exploded")
	}
	v.appended = append(v.appended, e)
}

func (v *recordingView) Update(e Entry) { v.updated = append(v.updated, e) }

func (v *recordingView) Banner(level Level, text string) {
	v.levels = append(v.levels, level)
	v.banners = append(v.banners, text)
}

func (v *recordingView) SetOnlineUsers(users []models.OnlineUser) { v.users = users }
func (v *recordingView) SetOnlineCount(count int)                 { v.count = count }
func (v *recordingView) SetConnection(state transport.State)      { v.states = append(v.states, state) }

type fixture struct {
	sched     *eventloop.Manual
	gate      *render.Gate
	view      *recordingView
	transport *fakeTransport
	metrics   *metrics.Metrics
	rec       *Reconciler
}

func paragraph(content string) (string, error) {
	return "<p>" + content + "</p>", nil
}

func newFixture(t *testing.T, state transport.State, renderer render.Func) *fixture {
	t.Helper()
	f := &fixture{
		sched:     eventloop.NewManual(t0),
		view:      &recordingView{},
		transport: &fakeTransport{state: state},
		metrics:   metrics.New(),
	}
	f.gate = render.NewGate(f.sched, render.Options{
		OnRecover: func() { f.rec.Rerender() },
	}, logger.Discard())
	if renderer != nil {
		f.gate.Register(renderer)
	}

	f.rec = New(f.sched, f.gate, f.view, Options{
		Identity: bootstrap.Identity{RoomID: "r1", UserID: 7, Username: "ann", Nickname: "ann", Color: "#000000"},
		Dedupe:   dedupe.DefaultOptions(),
	}, f.metrics, logger.Discard())
	f.rec.Bind(f.transport)
	t.Cleanup(f.rec.Close)
	return f
}

func inbound(id int64, author int64, content string, at time.Time) models.Message {
	return models.Message{ID: id, AuthorID: author, Username: "bob", Content: content, Timestamp: models.NewTimestamp(at)}
}

func TestLocalSendConfirmedInPlace(t *testing.T) {
	f := newFixture(t, transport.Connected, paragraph)

	require.NoError(t, f.rec.SubmitLocal("  hello "))

	require.Len(t, f.view.appended, 1)
	optimistic := f.view.appended[0]
	assert.True(t, optimistic.Pending)
	assert.True(t, optimistic.Local)
	assert.Equal(t, "hello", optimistic.Message.Content)
	assert.Equal(t, "<p>hello</p>", optimistic.Markup)

	require.Len(t, f.transport.emitted, 1)
	cid := f.transport.emitted[0].ClientID
	assert.Equal(t, optimistic.Key, cid)
	assert.Equal(t, "r1", f.transport.emitted[0].RoomID)
	assert.Equal(t, 1, f.rec.PendingSends())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PendingSends))

	f.rec.OnMessage(models.Message{ID: 42, CorrelationID: cid, AuthorID: 7, Content: "hello", Timestamp: models.NewTimestamp(t0)})

	entries := f.rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(42), entries[0].Message.ID)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, cid, entries[0].Key)
	require.Len(t, f.view.appended, 1, "confirmation must not append a second entry")
	require.NotEmpty(t, f.view.updated)
	assert.Equal(t, cid, f.view.updated[len(f.view.updated)-1].Key)
	assert.Equal(t, 0, f.rec.PendingSends())
	assert.Equal(t, 0, f.sched.Pending(), "confirmation timeout is cancelled")

	// history replay after a reconnect
	f.rec.OnMessage(models.Message{ID: 42, AuthorID: 7, Content: "hello", Timestamp: models.NewTimestamp(t0.Add(2 * time.Second))})
	assert.Len(t, f.rec.Entries(), 1)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, transport.Connected, paragraph)

	assert.ErrorIs(t, f.rec.SubmitLocal("   "), ErrEmptyMessage)
	assert.Empty(t, f.view.appended)

	err := f.rec.SubmitLocal(strings.Repeat("x", MaxMessageLength+1))
	assert.True(t, errors.HasCode(err, errors.CodeMessageTooLong))
	assert.Empty(t, f.view.appended)
	assert.Equal(t, []Level{LevelError}, f.view.levels)

	assert.NoError(t, f.rec.SubmitLocal(strings.Repeat("é", MaxMessageLength)))
}

func TestFallbackSendAdoptsServerID(t *testing.T) {
	f := newFixture(t, transport.DegradedPolling, paragraph)
	stored := models.Message{ID: 77, AuthorID: 7, Content: "via http", Timestamp: models.NewTimestamp(t0)}
	f.transport.sendResult = transport.SendResult{Success: true, Message: &stored}

	require.NoError(t, f.rec.SubmitLocal("via http"))

	assert.Equal(t, []string{"via http"}, f.transport.sent)
	assert.Empty(t, f.transport.emitted)
	entries := f.rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(77), entries[0].Message.ID)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, 0, f.rec.PendingSends())

	f.rec.OnMessage(stored)
	assert.Len(t, f.rec.Entries(), 1)
}

func TestFallbackEchoAdoptedByContent(t *testing.T) {
	f := newFixture(t, transport.DegradedPolling, paragraph)
	f.transport.sendResult = transport.SendResult{Success: true}

	require.NoError(t, f.rec.SubmitLocal("no id back"))
	require.Len(t, f.rec.Entries(), 1)
	assert.Zero(t, f.rec.Entries()[0].Message.ID)

	// the poll returns the stored copy a few seconds later
	f.rec.OnMessage(inbound(9, 7, "no id back", t0.Add(4*time.Second)))

	entries := f.rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(9), entries[0].Message.ID)
	assert.Len(t, f.view.appended, 1)
}

func TestFallbackFailureMarksEntryFailed(t *testing.T) {
	f := newFixture(t, transport.Connecting, paragraph)
	f.transport.sendErr = stderrors.New("connection refused")

	require.NoError(t, f.rec.SubmitLocal("lost"))

	entries := f.rec.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Failed)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, []Level{LevelError}, f.view.levels)
	assert.Contains(t, f.view.banners[0], "connection refused")
	assert.Equal(t, 0, f.rec.PendingSends())
}

func TestEmitFailureFallsBackToRequest(t *testing.T) {
	f := newFixture(t, transport.Connected, paragraph)
	f.transport.emitErr = transport.ErrSendBufferFull
	f.transport.sendResult = transport.SendResult{Success: true}

	require.NoError(t, f.rec.SubmitLocal("retry me"))

	assert.Equal(t, []string{"retry me"}, f.transport.sent)
	assert.True(t, f.rec.Entries()[0].Message.Confirmed)
	assert.Equal(t, 0, f.sched.Pending())
}

func TestUnconfirmedSendExpires(t *testing.T) {
	f := newFixture(t, transport.Connected, paragraph)
	require.NoError(t, f.rec.SubmitLocal("anyone?"))
	cid := f.transport.emitted[0].ClientID

	f.sched.Advance(29 * time.Second)
	assert.True(t, f.rec.Entries()[0].Pending)

	f.sched.Advance(time.Second)
	e := f.rec.Entries()[0]
	assert.True(t, e.Failed)
	assert.False(t, e.Pending)
	assert.Equal(t, 0, f.rec.PendingSends())

	f.rec.OnMessage(models.Message{ID: 5, CorrelationID: cid, AuthorID: 7, Content: "anyone?", Timestamp: models.NewTimestamp(t0)})
	e = f.rec.Entries()[0]
	assert.False(t, e.Failed)
	assert.Equal(t, int64(5), e.Message.ID)
	assert.Len(t, f.rec.Entries(), 1)
}

func TestAdmissionIsIdempotent(t *testing.T) {
	f := newFixture(t, transport.Connected, paragraph)
	m := inbound(1, 8, "hi", t0)

	f.rec.OnMessage(m)
	f.rec.OnMessage(m)

	assert.Len(t, f.view.appended, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Admissions.WithLabelValues(metrics.ResultAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Admissions.WithLabelValues(metrics.ResultDuplicate)))
}

func TestFingerprintSuppressesSameSecondCopies(t *testing.T) {
	f := newFixture(t, transport.Connected, paragraph)

	f.rec.OnMessage(inbound(1, 8, "same words", t0))
	f.rec.OnMessage(inbound(2, 8, "same words", t0.Add(400*time.Millisecond)))
	f.rec.OnMessage(inbound(3, 8, "same words", t0.Add(2*time.Second)))

	entries := f.rec.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Message.ID)
	assert.Equal(t, int64(3), entries[1].Message.ID)
	assert.Equal(t, 1, f.rec.LedgerStats().Rejected[dedupe.ReasonFingerprint])
}

func TestJoinNoticesCoalescePerMinute(t *testing.T) {
	f := newFixture(t, transport.Connected, paragraph)
	join := transport.StatusPayload{Msg: "bob joined the room", UserID: 8, Type: models.KindJoin}

	f.rec.OnStatus(join)
	f.sched.Advance(30 * time.Second)
	f.rec.OnStatus(join)
	require.Len(t, f.view.appended, 1)
	assert.Equal(t, models.KindJoin, f.view.appended[0].Message.Kind)

	f.sched.Advance(time.Minute)
	f.rec.OnStatus(join)
	assert.Len(t, f.view.appended, 2)
	assert.Empty(t, f.view.banners)
}

func TestPlainStatusSuppressedWithinWindow(t *testing.T) {
	f := newFixture(t, transport.Connected, paragraph)

	f.rec.OnStatus(transport.StatusPayload{Msg: "server restarting"})
	f.rec.OnStatus(transport.StatusPayload{Msg: "server restarting"})
	assert.Equal(t, []string{"server restarting"}, f.view.banners)

	f.sched.Advance(6 * time.Second)
	f.rec.OnStatus(transport.StatusPayload{Msg: "server restarting"})
	assert.Len(t, f.view.banners, 2)
	assert.Empty(t, f.view.appended)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Admissions.WithLabelValues(metrics.ResultStatusDrop)))
}

func TestQueuedRendersDrainInArrivalOrder(t *testing.T) {
	f := newFixture(t, transport.Connected, nil)

	f.rec.OnMessage(inbound(1, 8, "first", t0))
	f.rec.OnMessage(inbound(2, 8, "second", t0.Add(time.Second)))
	f.rec.OnMessage(inbound(3, 8, "third", t0.Add(2*time.Second)))

	require.Len(t, f.view.appended, 3)
	for _, e := range f.view.appended {
		assert.False(t, e.Rendered)
	}
	assert.Equal(t, 3, f.gate.Queued())

	f.gate.Register(paragraph)

	require.Len(t, f.view.updated, 3)
	assert.Equal(t, "<p>first</p>", f.view.updated[0].Markup)
	assert.Equal(t, "<p>second</p>", f.view.updated[1].Markup)
	assert.Equal(t, "<p>third</p>", f.view.updated[2].Markup)
	for _, e := range f.rec.Entries() {
		assert.True(t, e.Rendered)
	}
}

func TestBrokenRendererReRendersTimeline(t *testing.T) {
	broken := false
	renderer := func(content string) (string, error) {
		if broken {
			return "", stderrors.New("katex failed to load")
		}
		return paragraph(content)
	}
	f := newFixture(t, transport.Connected, renderer)

	f.rec.OnMessage(inbound(1, 8, "before", t0))
	assert.Equal(t, "<p>before</p>", f.rec.Entries()[0].Markup)

	broken = true
	f.rec.OnMessage(inbound(2, 8, "after", t0.Add(time.Second)))
	assert.Contains(t, f.rec.Entries()[1].Markup, "render-error")

	f.sched.Flush()
	assert.False(t, f.gate.Ready())
	f.sched.Advance(2 * time.Second)

	require.True(t, f.gate.Ready())
	entries := f.rec.Entries()
	assert.Contains(t, entries[0].Markup, "plaintext-render")
	assert.Contains(t, entries[0].Markup, "before")
	assert.Contains(t, entries[1].Markup, "plaintext-render")
	assert.Contains(t, entries[1].Markup, "after")
}

func TestPanickingViewDoesNotBreakAdmission(t *testing.T) {
	f := newFixture(t, transport.Connected, paragraph)
	f.view.panicOn = "append"

	assert.NotPanics(t, func() { f.rec.OnMessage(inbound(1, 8, "boom", t0)) })
	assert.Len(t, f.rec.Entries(), 1)

	f.rec.OnMessage(inbound(1, 8, "boom", t0))
	assert.Len(t, f.rec.Entries(), 1)
}

func TestForwardsPresenceAndConnection(t *testing.T) {
	f := newFixture(t, transport.Connected, paragraph)

	f.rec.OnOnlineUsers([]models.OnlineUser{{Username: "ann"}, {Username: "bob"}})
	f.rec.OnOnlineCount(2)
	f.rec.OnStateChange(transport.DegradedPolling)
	f.rec.OnNotice("Could not refresh messages: timeout")

	assert.Len(t, f.view.users, 2)
	assert.Equal(t, 2, f.view.count)
	assert.Equal(t, []transport.State{transport.DegradedPolling}, f.view.states)
	assert.Equal(t, []Level{LevelError}, f.view.levels)
}

func TestCloseCancelsConfirmationTimers(t *testing.T) {
	f := newFixture(t, transport.Connected, paragraph)
	require.NoError(t, f.rec.SubmitLocal("one"))
	require.NoError(t, f.rec.SubmitLocal("two"))
	assert.Equal(t, 2, f.sched.Pending())

	f.rec.Close()
	assert.Equal(t, 0, f.sched.Pending())

	f.rec.OnMessage(inbound(1, 8, "late", t0))
	assert.Len(t, f.view.appended, 2)
}

func TestSessionsShareNothing(t *testing.T) {
	a := newFixture(t, transport.Connected, paragraph)
	b := newFixture(t, transport.Connected, paragraph)

	a.rec.OnMessage(inbound(1, 8, "hi", t0))
	b.rec.OnMessage(inbound(1, 8, "hi", t0))

	assert.Len(t, a.rec.Entries(), 1)
	assert.Len(t, b.rec.Entries(), 1)
}
