package socket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/toitware/cellular/atsession"
	"github.com/toitware/cellular/direrr"
)

// Kind distinguishes TCP stream sockets from UDP datagram sockets.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
)

// Entry is one live socket's shared state: identity, peer, readiness word,
// and the vendor error/PDP bookkeeping the multiplexer and socket types
// consult on close.
type Entry struct {
	ID   int
	Kind Kind

	mu             sync.Mutex
	peer           string
	errorCode      int
	shouldPDPDeact bool

	state     *stateWord
	closeOnce sync.Once
}

// Peer returns the socket's remote address: fixed at connect time for
// TCP, the most recently connected target for UDP.
func (e *Entry) Peer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

func (e *Entry) setPeer(peer string) {
	e.mu.Lock()
	e.peer = peer
	e.mu.Unlock()
}

// ErrorCode returns the last modem-reported error code, zero when healthy.
func (e *Entry) ErrorCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errorCode
}

func (e *Entry) setErrorCode(code int) {
	e.mu.Lock()
	e.errorCode = code
	e.mu.Unlock()
}

// MarkPDPDeact records that closing this socket must also tear down the
// PDP context it rode in on, a vendor-specific quirk of some close paths.
func (e *Entry) MarkPDPDeact() {
	e.mu.Lock()
	e.shouldPDPDeact = true
	e.mu.Unlock()
}

func (e *Entry) shouldDeactPDP() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shouldPDPDeact
}

// Multiplexer maps small vendor-chosen socket ids to live Entries,
// allocating the lowest free id within [lo, hi] and enforcing that every
// id is removed from the map exactly once, on the transition to CLOSED.
type Multiplexer struct {
	locker *atsession.Locker
	lo, hi int
	log    *zap.Logger

	mu      sync.Mutex
	entries map[int]*Entry
}

// NewMultiplexer returns a Multiplexer whose ids range over [lo, hi]
// inclusive, issuing AT commands through locker.
func NewMultiplexer(locker *atsession.Locker, lo, hi int, log *zap.Logger) *Multiplexer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Multiplexer{
		locker:  locker,
		lo:      lo,
		hi:      hi,
		log:     log,
		entries: make(map[int]*Entry),
	}
}

// Locker exposes the AT Locker sockets issue their commands through, for
// a vendor Hooks.OnFatal to force the session closed.
func (m *Multiplexer) Locker() *atsession.Locker { return m.locker }

// Allocate reserves the lowest free id and returns a new Entry for kind.
func (m *Multiplexer) Allocate(kind Kind) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := m.lo; id <= m.hi; id++ {
		if _, taken := m.entries[id]; taken {
			continue
		}
		e := &Entry{ID: id, Kind: kind, state: newStateWord()}
		m.entries[id] = e
		return e, nil
	}
	return nil, direrr.ErrResourceExhausted
}

// Get returns the live entry for id, if any.
func (m *Multiplexer) Get(id int) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

// Release removes id from the map. It is idempotent: only the first call
// for a given Entry has any effect, satisfying the exactly-once removal
// invariant even if Close is invoked concurrently from multiple paths
// (application close racing a CLOSED URC).
func (m *Multiplexer) Release(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// Len reports the number of live entries, for tests and diagnostics.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// HandleOpen applies a vendor OPEN/+…CO URC: code zero marks CONNECTED,
// nonzero records the code and marks CLOSED (leaving removal from the map
// to the connect caller, which observes CLOSED and releases).
func (m *Multiplexer) HandleOpen(id int, code int) {
	e, ok := m.Get(id)
	if !ok {
		return
	}
	if code == 0 {
		e.state.Set(StateConnected)
		return
	}
	e.setErrorCode(code)
	e.state.Set(StateClosed)
}

// HandleReadable applies a READ-READY URC.
func (m *Multiplexer) HandleReadable(id int) {
	if e, ok := m.Get(id); ok {
		e.state.Set(StateReadable)
	}
}

// HandleClosed applies a CLOSED URC delivered by the modem side.
func (m *Multiplexer) HandleClosed(id int) {
	if e, ok := m.Get(id); ok {
		e.state.Set(StateClosed)
	}
}

// CloseAll marks every live entry CLOSED and drops it from the map, for
// session teardown: no vendor close verb is issued per socket since the AT
// session itself is about to go down.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	ids := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		ids = append(ids, e)
	}
	m.entries = make(map[int]*Entry)
	m.mu.Unlock()

	for _, e := range ids {
		e.state.Set(StateClosed)
	}
}

// HandlePDPDeact applies a PDP-DEACT URC: the socket is closed and future
// close calls must also tear down the PDP context.
func (m *Multiplexer) HandlePDPDeact(id int) {
	e, ok := m.Get(id)
	if !ok {
		return
	}
	e.MarkPDPDeact()
	e.state.Set(StateClosed)
}
