package dedupe

import (
	"strconv"
	"strings"
	"time"

	"chat-sync-demo/client/internal/models"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Decision is the outcome of an admission check
type Decision int

const (
	Accept Decision = iota
	RejectDuplicate
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject_duplicate"
}

// Reason names the index that rejected a message
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonIdentity    Reason = "identity"
	ReasonSystemEvent Reason = "system_event"
	ReasonFingerprint Reason = "fingerprint"
)

// Options bounds the ledger indexes
type Options struct {
	IdentityCapacity int
	FingerprintChars int
	SystemCapacity   int
	SystemEvict      int
	Now              func() time.Time
}

// DefaultOptions mirrors the client configuration defaults
func DefaultOptions() Options {
	return Options{
		IdentityCapacity: 4096,
		FingerprintChars: 64,
		SystemCapacity:   100,
		SystemEvict:      20,
	}
}

// Stats reports index sizes and decision counters
type Stats struct {
	Accepted     int
	Rejected     map[Reason]int
	Identities   int
	Fingerprints int
	SystemEvents int
}

// Ledger decides whether a message reaching the client is new. The same
// logical message can arrive by live push, local echo and history replay,
// each time under a different identifier, so three indexes are consulted.
// Fingerprint and system keys round wall-clock time, which can suppress two
// distinct messages sent within the same second or minute.
type Ledger struct {
	opts         Options
	identity     *lru.Cache[string, struct{}]
	fingerprints map[uint64]struct{}
	system       map[string]struct{}
	systemOrder  []string
	accepted     int
	rejected     map[Reason]int
}

// NewLedger creates an empty ledger
func NewLedger(opts Options) *Ledger {
	def := DefaultOptions()
	if opts.IdentityCapacity <= 0 {
		opts.IdentityCapacity = def.IdentityCapacity
	}
	if opts.FingerprintChars <= 0 {
		opts.FingerprintChars = def.FingerprintChars
	}
	if opts.SystemCapacity <= 0 {
		opts.SystemCapacity = def.SystemCapacity
	}
	if opts.SystemEvict <= 0 {
		opts.SystemEvict = def.SystemEvict
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	identity, err := lru.New[string, struct{}](opts.IdentityCapacity)
	if err != nil {
		// only reachable with a non-positive size, ruled out above
		panic(err)
	}

	return &Ledger{
		opts:         opts,
		identity:     identity,
		fingerprints: make(map[uint64]struct{}),
		system:       make(map[string]struct{}),
		rejected:     make(map[Reason]int),
	}
}

// Admit runs the layered duplicate check and records the message when it
// is accepted.
func (l *Ledger) Admit(m models.Message) (Decision, Reason) {
	if m.HasID() && l.identity.Contains(idKey(m.ID)) {
		return l.reject(ReasonIdentity)
	}

	if kind := m.EffectiveKind(); kind.IsSystem() {
		key := l.systemKey(m)
		if _, ok := l.system[key]; ok {
			return l.reject(ReasonSystemEvent)
		}
		l.recordSystem(key)
	}

	fp := l.Fingerprint(m)
	if _, ok := l.fingerprints[fp]; ok {
		return l.reject(ReasonFingerprint)
	}
	l.fingerprints[fp] = struct{}{}

	l.rememberIdentity(m)
	l.accepted++
	return Accept, ReasonNone
}

// Remember records a message's identity and fingerprint without deciding
// anything. Used when a confirmation gives an existing entry its server id.
func (l *Ledger) Remember(m models.Message) {
	l.fingerprints[l.Fingerprint(m)] = struct{}{}
	l.rememberIdentity(m)
}

// Seen reports whether the message's id or correlation id is known
func (l *Ledger) Seen(m models.Message) bool {
	if m.HasID() && l.identity.Contains(idKey(m.ID)) {
		return true
	}
	return m.CorrelationID != "" && l.identity.Contains(cidKey(m.CorrelationID))
}

// Stats returns a snapshot of the ledger
func (l *Ledger) Stats() Stats {
	rejected := make(map[Reason]int, len(l.rejected))
	for k, v := range l.rejected {
		rejected[k] = v
	}
	return Stats{
		Accepted:     l.accepted,
		Rejected:     rejected,
		Identities:   l.identity.Len(),
		Fingerprints: len(l.fingerprints),
		SystemEvents: len(l.system),
	}
}

// Fingerprint hashes the leading characters of the content together with the
// timestamp rounded down to the second.
func (l *Ledger) Fingerprint(m models.Message) uint64 {
	content := m.Content
	if n := l.opts.FingerprintChars; n > 0 {
		runes := []rune(content)
		if len(runes) > n {
			content = string(runes[:n])
		}
	}

	var b strings.Builder
	b.WriteString(content)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(l.instant(m).Unix(), 10))
	return xxhash.Sum64String(b.String())
}

func (l *Ledger) systemKey(m models.Message) string {
	minute := l.instant(m).Truncate(time.Minute).Unix()
	return string(m.EffectiveKind()) + "|" + strconv.FormatInt(m.AuthorID, 10) + "|" + strconv.FormatInt(minute, 10)
}

func (l *Ledger) instant(m models.Message) time.Time {
	if m.Timestamp.IsZero() {
		return l.opts.Now()
	}
	return m.Timestamp.Time
}

func (l *Ledger) recordSystem(key string) {
	l.system[key] = struct{}{}
	l.systemOrder = append(l.systemOrder, key)
	if len(l.systemOrder) <= l.opts.SystemCapacity {
		return
	}

	evict := l.opts.SystemEvict
	if evict > len(l.systemOrder) {
		evict = len(l.systemOrder)
	}
	for _, old := range l.systemOrder[:evict] {
		delete(l.system, old)
	}
	l.systemOrder = append([]string(nil), l.systemOrder[evict:]...)
}

func (l *Ledger) rememberIdentity(m models.Message) {
	if m.HasID() {
		l.identity.Add(idKey(m.ID), struct{}{})
		return
	}
	if m.CorrelationID != "" {
		l.identity.Add(cidKey(m.CorrelationID), struct{}{})
	}
}

func (l *Ledger) reject(r Reason) (Decision, Reason) {
	l.rejected[r]++
	return RejectDuplicate, r
}

func idKey(id int64) string {
	return "id:" + strconv.FormatInt(id, 10)
}

func cidKey(cid string) string {
	return "cid:" + cid
}
