package pending

import (
	stderrors "errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicate is returned when a correlation id is registered twice
var ErrDuplicate = stderrors.New("pending: correlation id already registered")

// Result is the outcome of resolving a confirmation
type Result int

const (
	NotFound Result = iota
	UpdateInPlace
)

func (r Result) String() string {
	if r == UpdateInPlace {
		return "update_in_place"
	}
	return "not_found"
}

// Send is a locally dispatched message awaiting server confirmation
type Send struct {
	CorrelationID string
	Content       string
	DispatchedAt  time.Time
}

// Ledger tracks unconfirmed sends by correlation id, oldest first
type Ledger struct {
	byID  map[string]Send
	order []string
	used  map[string]struct{}
	now   func() time.Time
}

// NewLedger creates an empty ledger
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		byID: make(map[string]Send),
		used: make(map[string]struct{}),
		now:  now,
	}
}

// NewCorrelationID returns a fresh random correlation id
func NewCorrelationID() string {
	return uuid.NewString()
}

// Register records a dispatched send. Correlation ids are never reused,
// even after the earlier send was resolved.
func (l *Ledger) Register(correlationID, content string) error {
	if _, ok := l.used[correlationID]; ok {
		return ErrDuplicate
	}
	l.used[correlationID] = struct{}{}
	l.byID[correlationID] = Send{
		CorrelationID: correlationID,
		Content:       content,
		DispatchedAt:  l.now(),
	}
	l.order = append(l.order, correlationID)
	return nil
}

// Resolve removes and returns the send matching correlationID
func (l *Ledger) Resolve(correlationID string) (Send, Result) {
	if correlationID == "" {
		return Send{}, NotFound
	}
	s, ok := l.byID[correlationID]
	if !ok {
		return Send{}, NotFound
	}
	l.Remove(correlationID)
	return s, UpdateInPlace
}

// MatchContent finds the oldest pending send with exactly this content
func (l *Ledger) MatchContent(content string) (string, bool) {
	for _, id := range l.order {
		if l.byID[id].Content == content {
			return id, true
		}
	}
	return "", false
}

// Remove drops a pending send without resolving it
func (l *Ledger) Remove(correlationID string) {
	if _, ok := l.byID[correlationID]; !ok {
		return
	}
	delete(l.byID, correlationID)
	for i, id := range l.order {
		if id == correlationID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Expired returns sends dispatched more than ttl before now, oldest first
func (l *Ledger) Expired(now time.Time, ttl time.Duration) []Send {
	var out []Send
	for _, id := range l.order {
		s := l.byID[id]
		if now.Sub(s.DispatchedAt) > ttl {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the pending send for correlationID
func (l *Ledger) Get(correlationID string) (Send, bool) {
	s, ok := l.byID[correlationID]
	return s, ok
}

// Len reports the number of unconfirmed sends
func (l *Ledger) Len() int {
	return len(l.byID)
}
