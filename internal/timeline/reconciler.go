package timeline

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"chat-sync-demo/client/internal/bootstrap"
	"chat-sync-demo/client/internal/dedupe"
	"chat-sync-demo/client/internal/eventloop"
	"chat-sync-demo/client/internal/models"
	"chat-sync-demo/client/internal/pending"
	"chat-sync-demo/client/internal/render"
	"chat-sync-demo/client/internal/transport"
	"chat-sync-demo/client/pkg/errors"
	"chat-sync-demo/client/pkg/logger"
	"chat-sync-demo/client/pkg/metrics"
)

// MaxMessageLength is the longest message the server accepts, in characters
const MaxMessageLength = 2000

// ErrEmptyMessage is returned by SubmitLocal for blank input
var ErrEmptyMessage = stderrors.New("timeline: empty message")

// Transport is the part of the transport machine the reconciler drives
type Transport interface {
	State() transport.State
	Emit(event string, payload any) error
	SendFallback(content string, done func(transport.SendResult, error))
}

// Options configures a Reconciler
type Options struct {
	Identity         bootstrap.Identity
	Dedupe           dedupe.Options
	StatusWindow     time.Duration
	StatusCleanup    time.Duration
	ConfirmTimeout   time.Duration
	MaxMessageLength int
}

// Reconciler owns the timeline of one room session. It admits inbound
// messages, reconciles local sends with their confirmations and tells the
// view what to append or update. Every method must run on the scheduler.
type Reconciler struct {
	sched     eventloop.Scheduler
	gate      *render.Gate
	view      View
	transport Transport
	opts      Options
	metrics   *metrics.Metrics
	log       *logger.Logger

	ledger   *dedupe.Ledger
	statuses *dedupe.StatusFilter
	pending  *pending.Ledger

	entries  []*Entry
	byKey    map[string]*Entry
	timeouts map[string]eventloop.Timer
	closed   bool
}

// New creates a reconciler with empty ledgers. Bind must be called before
// SubmitLocal.
func New(sched eventloop.Scheduler, gate *render.Gate, view View, opts Options, m *metrics.Metrics, log *logger.Logger) *Reconciler {
	if opts.StatusWindow <= 0 {
		opts.StatusWindow = 5 * time.Second
	}
	if opts.StatusCleanup <= 0 {
		opts.StatusCleanup = 10 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 30 * time.Second
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = MaxMessageLength
	}
	if opts.Dedupe.Now == nil {
		opts.Dedupe.Now = sched.Now
	}
	if log == nil {
		log = logger.GetGlobal()
	}

	return &Reconciler{
		sched:    sched,
		gate:     gate,
		view:     view,
		opts:     opts,
		metrics:  m,
		log:      log.WithComponent("timeline").WithRoomID(opts.Identity.RoomID).WithUserID(opts.Identity.UserID),
		ledger:   dedupe.NewLedger(opts.Dedupe),
		statuses: dedupe.NewStatusFilter(opts.StatusWindow, opts.StatusCleanup, sched.Now),
		pending:  pending.NewLedger(sched.Now),
		byKey:    make(map[string]*Entry),
		timeouts: make(map[string]eventloop.Timer),
	}
}

// Bind attaches the transport used for sends
func (r *Reconciler) Bind(t Transport) {
	r.transport = t
}

// SubmitLocal shows text optimistically and sends it
func (r *Reconciler) SubmitLocal(text string) error {
	if r.closed {
		return nil
	}
	content := strings.TrimSpace(text)
	if content == "" {
		return ErrEmptyMessage
	}
	if limit := r.opts.MaxMessageLength; utf8.RuneCountInString(content) > limit {
		err := errors.NewError(http.StatusBadRequest, errors.CodeMessageTooLong,
			fmt.Sprintf("Message too long (max %d characters)", limit))
		r.banner(LevelError, err.Message)
		return err
	}

	cid := pending.NewCorrelationID()
	if err := r.pending.Register(cid, content); err != nil {
		return err
	}
	r.metrics.SetPending(r.pending.Len())

	id := r.opts.Identity
	msg := models.Message{
		CorrelationID: cid,
		Kind:          models.KindUser,
		RoomID:        id.RoomID,
		AuthorID:      id.UserID,
		Username:      id.Username,
		Nickname:      id.Nickname,
		Color:         id.Color,
		Badge:         id.Badge,
		Content:       content,
		Timestamp:     models.NewTimestamp(r.sched.Now()),
	}
	// Local sends are always shown. Admission only records their keys so a
	// later echo without a correlation id is recognised.
	if d, reason := r.ledger.Admit(msg); d != dedupe.Accept {
		r.log.Debug("Local message overlaps an earlier one", "reason", string(reason))
	}

	e := &Entry{Key: cid, Message: msg, Pending: true, Local: true}
	r.append(e)
	r.dispatch(e)
	return nil
}

func (r *Reconciler) dispatch(e *Entry) {
	cid := e.Key
	if r.transport != nil && r.transport.State() == transport.Connected {
		err := r.transport.Emit(transport.EventSendMessage, transport.SendPayload{
			RoomID:   r.opts.Identity.RoomID,
			Message:  e.Message.Content,
			ClientID: cid,
		})
		if err == nil {
			r.timeouts[cid] = r.sched.AfterFunc(r.opts.ConfirmTimeout, func() { r.expire(cid) })
			return
		}
		r.log.Warn("Push send failed, using request channel", "error", err.Error())
	}
	if r.transport == nil {
		r.fail(e, "Message not sent: no connection")
		return
	}

	r.transport.SendFallback(e.Message.Content, func(res transport.SendResult, err error) {
		if r.closed {
			return
		}
		if err != nil {
			if e.Message.Confirmed {
				return
			}
			r.log.LogError(err, "Fallback send failed", "client_id", cid)
			r.fail(e, "Message not sent: "+errors.GetErrorMessage(err))
			return
		}
		r.pending.Remove(cid)
		r.metrics.SetPending(r.pending.Len())
		server := models.Message{}
		if res.Message != nil {
			server = *res.Message
		}
		r.confirm(e, server)
	})
}

// expire marks a push send that was never confirmed as failed
func (r *Reconciler) expire(cid string) {
	delete(r.timeouts, cid)
	if _, ok := r.pending.Get(cid); !ok {
		return
	}
	r.pending.Remove(cid)
	r.metrics.SetPending(r.pending.Len())
	if e, ok := r.byKey[cid]; ok {
		r.log.Warn("Send was never confirmed", "client_id", cid)
		e.Pending = false
		e.Failed = true
		r.update(e)
	}
}

func (r *Reconciler) fail(e *Entry, text string) {
	r.stopTimeout(e.Key)
	r.pending.Remove(e.Key)
	r.metrics.SetPending(r.pending.Len())
	e.Pending = false
	e.Failed = true
	r.update(e)
	r.banner(LevelError, text)
}

// confirm turns a local entry into a server confirmed one, in place
func (r *Reconciler) confirm(e *Entry, server models.Message) {
	r.stopTimeout(e.Key)
	if server.HasID() {
		e.Message.ID = server.ID
		if !server.Timestamp.IsZero() {
			e.Message.Timestamp = server.Timestamp
		}
		r.ledger.Remember(server)
	}
	e.Message.Confirmed = true
	e.Pending = false
	e.Failed = false
	r.update(e)
}

// OnMessage handles a message from any delivery path
func (r *Reconciler) OnMessage(m models.Message) {
	if r.closed {
		return
	}

	if m.CorrelationID != "" {
		if _, res := r.pending.Resolve(m.CorrelationID); res == pending.UpdateInPlace {
			r.metrics.SetPending(r.pending.Len())
		}
		// a confirmation that outlived its timeout still revives the entry
		if e, ok := r.byKey[m.CorrelationID]; ok && e.Local && !e.Message.HasID() {
			r.confirm(e, m)
			return
		}
	}

	if e := r.adoptable(m); e != nil {
		if _, res := r.pending.Resolve(e.Key); res == pending.UpdateInPlace {
			r.metrics.SetPending(r.pending.Len())
		}
		r.log.Debug("Adopting own message by content", "id", m.ID, "client_id", e.Key)
		r.confirm(e, m)
		return
	}

	r.admit(m)
}

// adoptable finds the oldest own local entry still without a server id whose
// content matches m. Such an echo carries no correlation id.
func (r *Reconciler) adoptable(m models.Message) *Entry {
	if !m.HasID() || m.EffectiveKind() != models.KindUser || m.AuthorID != r.opts.Identity.UserID {
		return nil
	}
	if r.ledger.Seen(m) {
		return nil
	}
	if cid, ok := r.pending.MatchContent(m.Content); ok {
		if e, ok := r.byKey[cid]; ok {
			return e
		}
	}
	for _, e := range r.entries {
		if e.Local && !e.Message.HasID() && e.Message.Content == m.Content {
			return e
		}
	}
	return nil
}

func (r *Reconciler) admit(m models.Message) {
	decision, reason := r.ledger.Admit(m)
	if decision != dedupe.Accept {
		r.metrics.Admitted(metrics.ResultDuplicate)
		r.log.Debug("Dropping duplicate", "id", m.ID, "reason", string(reason))
		return
	}
	r.metrics.Admitted(metrics.ResultAccepted)

	r.append(&Entry{Key: entryKey(m), Message: m})
}

// OnStatus handles a transient status event. Join and leave notices become
// system entries so they are coalesced per user and minute.
func (r *Reconciler) OnStatus(p transport.StatusPayload) {
	if r.closed {
		return
	}
	if p.Type.IsSystem() {
		r.admit(models.Message{
			Kind:      p.Type,
			RoomID:    r.opts.Identity.RoomID,
			AuthorID:  p.UserID,
			Content:   p.Msg,
			Timestamp: models.NewTimestamp(r.sched.Now()),
		})
		return
	}
	if p.Msg == "" {
		return
	}
	if !r.statuses.Allow(p.Msg) {
		r.metrics.Admitted(metrics.ResultStatusDrop)
		return
	}
	r.banner(LevelInfo, p.Msg)
}

func (r *Reconciler) OnOnlineUsers(users []models.OnlineUser) {
	r.viewCall("online_users", func() { r.view.SetOnlineUsers(users) })
}

func (r *Reconciler) OnOnlineCount(count int) {
	r.viewCall("online_count", func() { r.view.SetOnlineCount(count) })
}

func (r *Reconciler) OnStateChange(s transport.State) {
	r.viewCall("connection", func() { r.view.SetConnection(s) })
}

func (r *Reconciler) OnNotice(text string) {
	if text == "" {
		return
	}
	r.banner(LevelError, text)
}

// Rerender queues every displayed entry for rendering again from its
// original content. The gate calls it after its renderer broke.
func (r *Reconciler) Rerender() {
	if r.closed {
		return
	}
	r.log.Info("Re-rendering timeline", "entries", len(r.entries))
	for _, e := range r.entries {
		r.render(e)
	}
}

// Entries returns a copy of the timeline in display order
func (r *Reconciler) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// PendingSends reports how many sends await confirmation
func (r *Reconciler) PendingSends() int {
	return r.pending.Len()
}

// LedgerStats exposes the deduplication counters
func (r *Reconciler) LedgerStats() dedupe.Stats {
	return r.ledger.Stats()
}

// Close cancels confirmation timeouts and stops the status sweep. The view
// receives nothing afterwards.
func (r *Reconciler) Close() {
	if r.closed {
		return
	}
	r.closed = true
	for cid := range r.timeouts {
		r.stopTimeout(cid)
	}
	r.statuses.Close()
}

func (r *Reconciler) append(e *Entry) {
	r.entries = append(r.entries, e)
	r.byKey[e.Key] = e
	markup, queued := r.gate.RenderOrQueue(e.Message.Content, r.deliverTo(e))
	if !queued {
		e.Markup = markup
		e.Rendered = true
	}
	snapshot := *e
	r.viewCall("append", func() { r.view.Append(snapshot) })
}

func (r *Reconciler) render(e *Entry) {
	markup, queued := r.gate.RenderOrQueue(e.Message.Content, r.deliverTo(e))
	if queued {
		return
	}
	e.Markup = markup
	e.Rendered = true
	r.update(e)
}

func (r *Reconciler) deliverTo(e *Entry) func(string) {
	return func(markup string) {
		if r.closed {
			return
		}
		e.Markup = markup
		e.Rendered = true
		r.update(e)
	}
}

func (r *Reconciler) update(e *Entry) {
	snapshot := *e
	r.viewCall("update", func() { r.view.Update(snapshot) })
}

func (r *Reconciler) banner(level Level, text string) {
	r.viewCall("banner", func() { r.view.Banner(level, text) })
}

func (r *Reconciler) viewCall(op string, fn func()) {
	if r.view == nil {
		return
	}
	_ = errors.Guard(r.log, "view."+op, fn)
}

func (r *Reconciler) stopTimeout(cid string) {
	if t, ok := r.timeouts[cid]; ok {
		t.Stop()
		delete(r.timeouts, cid)
	}
}

func entryKey(m models.Message) string {
	if m.HasID() {
		return fmt.Sprintf("id:%d", m.ID)
	}
	if m.CorrelationID != "" {
		return "cid:" + m.CorrelationID
	}
	return fmt.Sprintf("sys:%s:%d:%d", m.EffectiveKind(), m.AuthorID, m.Timestamp.UnixNano())
}
