// Package prepare implements the prepared-statement cache described in
// spec.md C6: a per-connection LRU of query text to a usage counter,
// promoting a statement to a real, named backend PREPARE only once it
// has been seen often enough to be worth the round trip, and evicting
// (with an explicit backend Close) once the cache is full.
package prepare

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mevdschee/pgdriver/proto"
	"github.com/mevdschee/pgdriver/wire"
)

// Decision is what the manager tells the caller to do with a query about
// to be executed.
type Decision int

const (
	// DecisionNo: run it as an unnamed statement; not seen enough yet to
	// be worth naming.
	DecisionNo Decision = iota
	// DecisionShould: this is the call that pushes the counter over the
	// threshold; name and PREPARE it now, then use it.
	DecisionShould
	// DecisionYes: already named and prepared on the backend; just Bind
	// and Execute against the existing statement name.
	DecisionYes
)

const (
	// DefaultThreshold is the number of times a distinct (query, param
	// types) pair must be executed before it gets promoted to a named,
	// backend-prepared statement.
	DefaultThreshold = 5
	// DefaultMaxPrepared bounds how many (query, param types) entries the
	// cache tracks at once, counted or named alike; the LRU evicts the
	// least recently used beyond it, closing it on the backend if named.
	DefaultMaxPrepared = 100
)

type entry struct {
	query     string
	paramOIDs []uint32
	count     int
	stmtName  string // "" until promoted
	desc      *proto.Describe
}

// Manager tracks, per connection, which queries are worth naming and
// which names are currently live on the backend.
type Manager struct {
	mu        sync.Mutex
	threshold int
	byKey     *lru.Cache[string, *entry]
	nextID    uint64

	pendingClosesMu sync.Mutex
	pendingCloses   []string
}

// NewManager builds a Manager with the given promotion threshold and
// cache capacity; zero values fall back to the package defaults.
func NewManager(threshold, maxPrepared int) *Manager {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxPrepared <= 0 {
		maxPrepared = DefaultMaxPrepared
	}
	m := &Manager{threshold: threshold}
	// OnEvict needs m.byKey already set to look anything up, so build the
	// cache with a closure rather than a bound method.
	cache, err := lru.NewWithEvict[string, *entry](maxPrepared, func(key string, e *entry) {
		m.onEvict(e)
	})
	if err != nil {
		// Capacity is always positive here; NewWithEvict only errors on a
		// non-positive size.
		panic(err)
	}
	m.byKey = cache
	return m
}

// onEvict collects statement names that fell out of the LRU and still
// need a backend Close; PendingCloses drains and clears them.
func (m *Manager) onEvict(e *entry) {
	if e.stmtName != "" {
		m.pendingClosesMu.Lock()
		m.pendingCloses = append(m.pendingCloses, e.stmtName)
		m.pendingClosesMu.Unlock()
	}
}

func key(query string, paramOIDs []uint32) string {
	h := sha1.New()
	h.Write([]byte(query))
	for _, oid := range paramOIDs {
		h.Write([]byte{byte(oid), byte(oid >> 8), byte(oid >> 16), byte(oid >> 24)})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Consider looks up (or creates) the cache entry for query+paramOIDs and
// returns what the caller should do, based on the entry's usage count as
// it stood *before* this call (the count is only bumped by Maintain,
// once the caller's execution has actually gone out) so that crossing
// the threshold promotes the next execution rather than this one.
//
// prepare mirrors spec.md's execute(prepare?) argument: nil defers to
// the threshold, false forces DecisionNo, true forces DecisionShould (or
// DecisionYes if already prepared).
func (m *Manager) Consider(query string, paramOIDs []uint32, prepare *bool) (Decision, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prepare != nil && !*prepare {
		return DecisionNo, ""
	}

	k := key(query, paramOIDs)
	e, ok := m.byKey.Get(k)
	if !ok {
		e = &entry{query: query, paramOIDs: paramOIDs}
		m.byKey.Add(k, e)
	}

	switch {
	case e.stmtName != "":
		return DecisionYes, e.stmtName
	case (prepare != nil && *prepare) || e.count >= m.threshold:
		m.nextID++
		return DecisionShould, statementName(m.nextID)
	default:
		return DecisionNo, ""
	}
}

// Maintain persists the outcome of a decision already returned by
// Consider, once the caller's execution has actually completed: a
// DecisionNo bumps the usage count so a later call can cross the
// threshold; a DecisionShould commits the statement name Consider
// reserved (so Describe/Prepare can find it under the matching key,
// mirroring maintain() in spec.md §4.4). DecisionYes needs no
// bookkeeping; it was already promoted on an earlier call.
//
// tag is the executed statement's CommandComplete tag. Per spec.md
// §4.4/Testable Property 4, a command tag beginning with "DROP " or
// equal to "ROLLBACK" means the backend itself un-prepared every
// statement on this connection, so Maintain clears the whole cache and
// reports deallocateAll=true; the caller must then send a literal
// "DEALLOCATE ALL" to keep the backend's view in sync (the backend
// already did the work; this just tells it we know).
func (m *Manager) Maintain(query string, paramOIDs []uint32, decision Decision, stmtName, tag string) (deallocateAll bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.HasPrefix(tag, "DROP ") || tag == "ROLLBACK" {
		m.byKey.Purge()
		m.pendingClosesMu.Lock()
		m.pendingCloses = nil
		m.pendingClosesMu.Unlock()
		return true
	}

	k := key(query, paramOIDs)
	e, ok := m.byKey.Get(k)
	if !ok {
		e = &entry{query: query, paramOIDs: paramOIDs}
		m.byKey.Add(k, e)
	}
	switch decision {
	case DecisionShould:
		e.stmtName = stmtName
	case DecisionNo:
		e.count++
	}
	return false
}

func statementName(id uint64) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	if id == 0 {
		return "s_" + string(alphabet[0])
	}
	buf := make([]byte, 0, 8)
	for id > 0 {
		buf = append(buf, alphabet[id%uint64(len(alphabet))])
		id /= uint64(len(alphabet))
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return "s_" + string(buf)
}

// Prepare sends Parse+Describe+Sync for a statement the caller just
// promoted to DecisionShould, and remembers its parameter/result
// descriptors for reuse on later DecisionYes hits.
func (m *Manager) Prepare(ctx context.Context, c *wire.Conn, query, stmtName string, paramOIDs []uint32) (*proto.Describe, error) {
	desc, err := proto.DescribeStatement(ctx, c, stmtName, query, paramOIDs)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if e, ok := m.byKey.Get(key(query, paramOIDs)); ok {
		e.desc = desc
	}
	m.mu.Unlock()
	return desc, nil
}

// Describe returns the cached parameter/result descriptor for an
// already-prepared statement, if any.
func (m *Manager) Describe(query string, paramOIDs []uint32) (*proto.Describe, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byKey.Get(key(query, paramOIDs))
	if !ok || e.desc == nil {
		return nil, false
	}
	return e.desc, true
}

// InvalidateAll forgets every cached statement without closing them on
// the backend: called after DEALLOCATE ALL or a ROLLBACK, both of which
// the backend itself already un-prepares everything for (spec.md C6).
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey.Purge()
	m.pendingClosesMu.Lock()
	m.pendingCloses = nil
	m.pendingClosesMu.Unlock()
}

// PendingCloses drains and returns the statement names evicted from the
// LRU since the last call, which the caller (conn) must send
// proto.ClosePrepared for before they can be reused.
func (m *Manager) PendingCloses() []string {
	m.pendingClosesMu.Lock()
	defer m.pendingClosesMu.Unlock()
	out := m.pendingCloses
	m.pendingCloses = nil
	return out
}
