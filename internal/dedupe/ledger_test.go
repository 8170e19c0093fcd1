package dedupe

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"chat-sync-demo/client/internal/models"

	"github.com/stretchr/testify/assert"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func msg(id int64, content string, at time.Time) models.Message {
	return models.Message{ID: id, Content: content, AuthorID: 7, Timestamp: models.NewTimestamp(at)}
}

func TestAdmitIsIdempotentByID(t *testing.T) {
	l := NewLedger(DefaultOptions())
	m := msg(1, "hi", base)

	d, _ := l.Admit(m)
	assert.Equal(t, Accept, d)

	d, reason := l.Admit(m)
	assert.Equal(t, RejectDuplicate, d)
	assert.Equal(t, ReasonIdentity, reason)
}

func TestFingerprintCatchesReplayUnderNewID(t *testing.T) {
	l := NewLedger(DefaultOptions())

	d, _ := l.Admit(msg(1, "same words", base.Add(100*time.Millisecond)))
	assert.Equal(t, Accept, d)

	d, reason := l.Admit(msg(2, "same words", base.Add(900*time.Millisecond)))
	assert.Equal(t, RejectDuplicate, d)
	assert.Equal(t, ReasonFingerprint, reason)

	d, _ = l.Admit(msg(3, "same words", base.Add(time.Second)))
	assert.Equal(t, Accept, d)
}

func TestFingerprintUsesLeadingCharacters(t *testing.T) {
	l := NewLedger(Options{FingerprintChars: 5})
	prefix := strings.Repeat("é", 5)

	d, _ := l.Admit(msg(1, prefix+" first tail", base))
	assert.Equal(t, Accept, d)
	d, _ = l.Admit(msg(2, prefix+" other tail", base))
	assert.Equal(t, RejectDuplicate, d)
}

func TestJoinEventsCoalescePerMinute(t *testing.T) {
	l := NewLedger(DefaultOptions())
	join := func(at time.Time, text string) models.Message {
		return models.Message{Kind: models.KindJoin, AuthorID: 7, Content: text, Timestamp: models.NewTimestamp(at)}
	}

	d, _ := l.Admit(join(base.Add(5*time.Second), "ann joined"))
	assert.Equal(t, Accept, d)

	d, reason := l.Admit(join(base.Add(40*time.Second), "ann joined the room"))
	assert.Equal(t, RejectDuplicate, d)
	assert.Equal(t, ReasonSystemEvent, reason)

	d, _ = l.Admit(join(base.Add(61*time.Second), "ann joined"))
	assert.Equal(t, Accept, d)

	other := join(base.Add(6*time.Second), "bo joined")
	other.AuthorID = 8
	d, _ = l.Admit(other)
	assert.Equal(t, Accept, d)
}

func TestSystemMapEvictsOldestBatch(t *testing.T) {
	l := NewLedger(Options{SystemCapacity: 100, SystemEvict: 20})

	for i := 0; i < 101; i++ {
		m := models.Message{
			Kind:      models.KindLeave,
			AuthorID:  int64(i),
			Content:   fmt.Sprintf("user %d left", i),
			Timestamp: models.NewTimestamp(base),
		}
		d, _ := l.Admit(m)
		assert.Equal(t, Accept, d)
	}
	assert.Equal(t, 81, l.Stats().SystemEvents)

	// the first actor's key was evicted; a new text gets through again
	again := models.Message{Kind: models.KindLeave, AuthorID: 0, Content: "user 0 left again", Timestamp: models.NewTimestamp(base)}
	d, _ := l.Admit(again)
	assert.Equal(t, Accept, d)

	// a recent actor is still coalesced
	recent := models.Message{Kind: models.KindLeave, AuthorID: 100, Content: "user 100 left again", Timestamp: models.NewTimestamp(base)}
	d, _ = l.Admit(recent)
	assert.Equal(t, RejectDuplicate, d)
}

func TestIdentitySetIsBounded(t *testing.T) {
	l := NewLedger(Options{IdentityCapacity: 3})
	for i := int64(1); i <= 5; i++ {
		l.Admit(msg(i, fmt.Sprintf("m%d", i), base))
	}
	stats := l.Stats()
	assert.Equal(t, 3, stats.Identities)
	assert.Equal(t, 5, stats.Fingerprints)
	assert.False(t, l.Seen(msg(1, "", base)))
	assert.True(t, l.Seen(msg(5, "", base)))
}

func TestCorrelationIdentityAndRemember(t *testing.T) {
	l := NewLedger(DefaultOptions())
	local := models.Message{CorrelationID: "c1", Content: "hello", Timestamp: models.NewTimestamp(base)}

	d, _ := l.Admit(local)
	assert.Equal(t, Accept, d)
	assert.True(t, l.Seen(local))

	confirmed := models.Message{ID: 42, Content: "hello", Timestamp: models.NewTimestamp(base.Add(2 * time.Second))}
	l.Remember(confirmed)

	d, reason := l.Admit(confirmed)
	assert.Equal(t, RejectDuplicate, d)
	assert.Equal(t, ReasonIdentity, reason)

	replay := confirmed
	replay.ID = 0
	d, reason = l.Admit(replay)
	assert.Equal(t, RejectDuplicate, d)
	assert.Equal(t, ReasonFingerprint, reason)
}

func TestMissingTimestampUsesClock(t *testing.T) {
	now := base
	l := NewLedger(Options{Now: func() time.Time { return now }})

	d, _ := l.Admit(models.Message{ID: 1, Content: "x"})
	assert.Equal(t, Accept, d)
	d, _ = l.Admit(models.Message{ID: 2, Content: "x"})
	assert.Equal(t, RejectDuplicate, d)

	now = now.Add(time.Second)
	d, _ = l.Admit(models.Message{ID: 3, Content: "x"})
	assert.Equal(t, Accept, d)
}
