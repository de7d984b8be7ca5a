// Package atsession implements the AT command/response session engine (a
// single goroutine owning the byte pipe, totally ordering command execution
// against URC dispatch) and the cooperative Locker built on top of it.
package atsession

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toitware/cellular/at"
	"github.com/toitware/cellular/transport"
)

const (
	defaultInterCommandDelay = 20 * time.Millisecond
	defaultCommandTimeout    = 10 * time.Second

	abortPingTimeout = 5 * time.Second
	abortOuterCap    = 20 * time.Second
	abortMaxAttempts = 3

	abortedDetail = "Command aborted"
)

// URCHandler is invoked, on the session's own goroutine, for every
// information line whose verb was registered as a URC. Handlers must not
// block or issue AT commands.
type URCHandler func(line at.Line)

// Subscription identifies a registered URC handler for later removal via
// UnregisterURC. Handlers aren't comparable in Go, so registration hands
// back an opaque token instead.
type Subscription struct {
	verb string
	id   int
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithLogger installs a structured logger; the default is a no-op logger.
func WithLogger(log *zap.Logger) Option { return func(s *Session) { s.log = log } }

// WithS3 overrides the line terminator byte (default '\r').
func WithS3(b byte) Option { return func(s *Session) { s.s3 = b } }

// WithDataMarker overrides the data/SMS prompt byte (default '>').
func WithDataMarker(b byte) Option { return func(s *Session) { s.dataMarker = b } }

// WithInterCommandDelay sets the delay observed before writing every
// command, matching vendor recommendations for command spacing.
func WithInterCommandDelay(d time.Duration) Option {
	return func(s *Session) { s.interCommandDelay = d }
}

// WithInterByteDelay sets a per-byte delay used when writing a command's
// Data payload; zero (the default) writes the payload in one call.
func WithInterByteDelay(d time.Duration) Option {
	return func(s *Session) { s.interByteDelay = d }
}

// WithDefaultTimeout sets the deadline used for commands that don't
// override it via Command.WithTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Session) { s.defaultTimeout = d }
}

// Session owns a transport and drives the AT command/response protocol
// over it: a single reader goroutine frames incoming bytes into lines,
// classifies them, and either feeds an outstanding command's response
// accumulator or dispatches a URC, per spec. All public methods except
// Close and Run may be called concurrently; Send itself is not
// re-entrant-safe across independent goroutines without Locker serializing
// callers, mirroring the single-outstanding-command invariant of the
// wire protocol.
type Session struct {
	tr  transport.Transport
	lr  *at.LineReader
	reg *at.Registry
	log *zap.Logger

	s3                byte
	dataMarker        byte
	interCommandDelay time.Duration
	interByteDelay    time.Duration
	defaultTimeout    time.Duration

	termMu   sync.Mutex
	okTerms  []string
	errTerms []string

	urcMu       sync.Mutex
	urcHandlers map[string][]Subscription
	urcFuncs    map[int]URCHandler
	nextSubID   int

	reqCh chan *cmdRequest

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

type cmdRequest struct {
	cmd      at.Command
	resultCh chan cmdResponse
}

type cmdResponse struct {
	result at.Result
	err    error
}

type pendingCmd struct {
	req       *cmdRequest
	responses []at.Line
}

// New constructs a Session over tr using reg for information-line parsing.
// Call Run in its own goroutine before issuing any commands.
func New(tr transport.Transport, reg *at.Registry, opts ...Option) *Session {
	s := &Session{
		tr:                tr,
		lr:                at.NewLineReader(tr),
		reg:               reg,
		log:               zap.NewNop(),
		s3:                at.DefaultS3,
		dataMarker:        at.DefaultDataMarker,
		interCommandDelay: defaultInterCommandDelay,
		defaultTimeout:    defaultCommandTimeout,
		urcHandlers:       make(map[string][]Subscription),
		urcFuncs:          make(map[int]URCHandler),
		reqCh:             make(chan *cmdRequest),
		closed:            make(chan struct{}),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lr.S3 = s.s3
	s.lr.DataMarker = s.dataMarker
	s.okTerms = []string{at.OK}
	s.errTerms = []string{at.ERROR}
	return s
}

// AddOKTermination registers an additional exact-match final-result line
// (e.g. "CONNECT", "SEND OK") as an OK termination.
func (s *Session) AddOKTermination(text string) {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	s.okTerms = append(s.okTerms, text)
}

// AddErrorTermination registers an additional exact-match final-result
// line (e.g. "NO CARRIER", "SEND FAIL") as an error termination. +CME
// ERROR and +CMS ERROR prefixes are always recognized and need no
// registration.
func (s *Session) AddErrorTermination(text string) {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	s.errTerms = append(s.errTerms, text)
}

// AddResponseParser installs a custom information-line parser for verb.
func (s *Session) AddResponseParser(verb string, p at.Parser) {
	s.reg.AddParser(verb, p)
}

// Registry returns the session's information-line registry, for vendor
// shims that need lower-level access such as RegisterTrailing.
func (s *Session) Registry() *at.Registry { return s.reg }

// DefaultTimeout returns the deadline applied to commands that don't
// override it via Command.WithTimeout.
func (s *Session) DefaultTimeout() time.Duration { return s.defaultTimeout }

// RegisterURC subscribes handler to information lines carrying verb.
// Duplicate registrations for the same verb are permitted; all registered
// handlers for a verb run in registration order.
func (s *Session) RegisterURC(verb string, handler URCHandler) Subscription {
	s.reg.AddURC(verb)
	s.urcMu.Lock()
	defer s.urcMu.Unlock()
	s.nextSubID++
	sub := Subscription{verb: verb, id: s.nextSubID}
	s.urcHandlers[verb] = append(s.urcHandlers[verb], sub)
	s.urcFuncs[sub.id] = handler
	return sub
}

// UnregisterURC removes exactly the subscription returned by the matching
// RegisterURC call. It is safe to call from a deferred guaranteed-release
// clause even if the session has since closed.
func (s *Session) UnregisterURC(sub Subscription) {
	s.urcMu.Lock()
	defer s.urcMu.Unlock()
	delete(s.urcFuncs, sub.id)
	subs := s.urcHandlers[sub.verb]
	for i, cand := range subs {
		if cand.id == sub.id {
			s.urcHandlers[sub.verb] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

func (s *Session) dispatchURC(line at.Line) {
	s.urcMu.Lock()
	subs := append([]Subscription(nil), s.urcHandlers[line.Verb]...)
	s.urcMu.Unlock()
	for _, sub := range subs {
		s.urcMu.Lock()
		h := s.urcFuncs[sub.id]
		s.urcMu.Unlock()
		if h != nil {
			h(line)
		}
	}
}

// Action issues a bare command such as AT+CFUN.
func (s *Session) Action(ctx context.Context, verb string) (at.Result, error) {
	return s.Send(ctx, at.Action(verb))
}

// Read issues a query command such as AT+CPIN?.
func (s *Session) Read(ctx context.Context, verb string) (at.Result, error) {
	return s.Send(ctx, at.Read(verb))
}

// Test issues a capability probe such as AT+CGDCONT=?.
func (s *Session) Test(ctx context.Context, verb string) (at.Result, error) {
	return s.Send(ctx, at.Test(verb))
}

// SetCmd issues a parameterized command.
func (s *Session) SetCmd(ctx context.Context, verb string, params ...at.Param) (at.Result, error) {
	return s.Send(ctx, at.Set(verb, params...))
}

// Send issues a preconstructed command and blocks for its result.
func (s *Session) Send(ctx context.Context, cmd at.Command) (at.Result, error) {
	select {
	case <-s.closed:
		return at.Result{}, ErrClosed
	default:
	}

	respCh := make(chan cmdResponse, 1)
	req := &cmdRequest{cmd: cmd, resultCh: respCh}
	select {
	case s.reqCh <- req:
	case <-s.closed:
		return at.Result{}, ErrClosed
	case <-ctx.Done():
		return at.Result{}, ctx.Err()
	}
	select {
	case resp := <-respCh:
		return resp.result, resp.err
	case <-s.closed:
		return at.Result{}, ErrClosed
	}
}

// Close tears the session down; Run returns and every subsequent operation
// fails with ErrClosed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	<-s.done
	return nil
}

func (s *Session) commandTimeout(cmd at.Command) time.Duration {
	if cmd.TimeoutMS > 0 {
		return time.Duration(cmd.TimeoutMS) * time.Millisecond
	}
	return s.defaultTimeout
}

func (s *Session) isOKTermination(text string) bool {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	for _, t := range s.okTerms {
		if text == t {
			return true
		}
	}
	return false
}

func (s *Session) isErrorTermination(text string) (code, detail string, ok bool) {
	if strings.HasPrefix(text, at.CMEError) {
		return at.CMEError, strings.TrimSpace(strings.TrimPrefix(text, at.CMEError)), true
	}
	if strings.HasPrefix(text, at.CMSError) {
		return at.CMSError, strings.TrimSpace(strings.TrimPrefix(text, at.CMSError)), true
	}
	s.termMu.Lock()
	defer s.termMu.Unlock()
	for _, t := range s.errTerms {
		if text == t {
			return "", t, true
		}
	}
	return "", "", false
}

func (s *Session) buildLine(verb, rest string) (at.Line, error) {
	vals, err := s.reg.Parse(verb, rest, s.lr.Reader())
	if err != nil {
		return at.Line{}, err
	}
	return at.Line{Raw: verb + ": " + rest, Verb: verb, Values: vals}, nil
}

func (s *Session) writeLine(text string) error {
	_, err := s.tr.Write([]byte(text + string(s.s3)))
	return err
}

func (s *Session) writeCommand(cmd at.Command, lineCh <-chan lineEvent, ackCh chan<- struct{}) error {
	if s.interCommandDelay > 0 {
		time.Sleep(s.interCommandDelay)
	}
	if err := s.writeLine(cmd.Format()); err != nil {
		return err
	}
	if len(cmd.Data) == 0 {
		return nil
	}
	for {
		ev, ok := <-lineCh
		if !ok {
			return fmt.Errorf("atsession: transport closed waiting for data prompt")
		}
		if ev.err != nil {
			return ev.err
		}
		s.ack(ackCh)
		if ev.isPrompt {
			break
		}
	}
	if s.interByteDelay > 0 {
		for _, b := range cmd.Data {
			if _, err := s.tr.Write([]byte{b}); err != nil {
				return err
			}
			time.Sleep(s.interByteDelay)
		}
		return nil
	}
	_, err := s.tr.Write(cmd.Data)
	return err
}
