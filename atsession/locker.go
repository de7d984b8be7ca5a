package atsession

import "sync"

// Locker is a cooperative mutex around a Session: Do acquires exclusive
// use of the session for block, invokes it, and releases on every exit
// path including a panic or error return. It holds no state beyond the
// mutex and a closed flag, matching the AT Locker's minimal contract.
type Locker struct {
	session *Session
	mu      sync.Mutex
	closed  bool
}

// NewLocker wraps session in a Locker.
func NewLocker(session *Session) *Locker {
	return &Locker{session: session}
}

// Do acquires the lock, runs block with the live session, and releases the
// lock before returning, regardless of how block exits. It fails with
// ErrClosed without running block if the Locker has been closed.
func (l *Locker) Do(block func(*Session) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return block(l.session)
}

// Close marks the Locker closed; subsequent Do calls fail with ErrClosed.
// It does not close the underlying Session.
func (l *Locker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// CloseSession marks the Locker closed and forces the underlying Session
// closed with it, for a vendor hook that has decided the AT session is no
// longer trustworthy (e.g. a mid-write I/O error) and wants it torn down
// rather than left to fail command by command.
func (l *Locker) CloseSession() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.session.Close()
}
