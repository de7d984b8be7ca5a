package atsession

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/toitware/cellular/at"
)

type lineEvent struct {
	text     string
	isPrompt bool
	err      error
}

// readerLoop continuously frames tokens off the transport and forwards
// them to lineCh, decoupling blocking reads from the command dispatch
// select in Run. It waits for an ack on every iteration before framing
// the next token: a registered Parser (RegisterTrailing) may perform a
// synchronous follow-up read for a length-framed binary payload (e.g.
// Quectel's "+QIRD: 120" followed by 120 raw bytes) directly off the
// shared *bufio.Reader while Run is still processing the line just
// handed off, and reading ahead here would steal those bytes out from
// under it.
func (s *Session) readerLoop(lineCh chan<- lineEvent, ackCh <-chan struct{}) {
	for {
		text, isPrompt, err := s.lr.ReadToken()
		select {
		case lineCh <- lineEvent{text: text, isPrompt: isPrompt, err: err}:
		case <-s.closed:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-ackCh:
		case <-s.closed:
			return
		}
	}
}

// Run is the session's single event loop: it owns the transport and is
// the only goroutine that ever calls Write on it. It returns when ctx is
// canceled, the transport errors out, or Close is called.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	lineCh := make(chan lineEvent)
	ackCh := make(chan struct{})
	go s.readerLoop(lineCh, ackCh)

	var current *pendingCmd
	var timer *time.Timer
	var timerCh <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerCh = nil
		}
	}
	defer stopTimer()

	finish := func(resp cmdResponse) {
		stopTimer()
		if current != nil {
			current.req.resultCh <- resp
			current = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			finish(cmdResponse{err: ctx.Err()})
			return ctx.Err()

		case <-s.closed:
			finish(cmdResponse{err: ErrClosed})
			return nil

		case req := <-s.reqCh:
			if current != nil {
				req.resultCh <- cmdResponse{err: errBusy}
				continue
			}
			current = &pendingCmd{req: req}
			if err := s.writeCommand(req.cmd, lineCh, ackCh); err != nil {
				finish(cmdResponse{err: err})
				continue
			}
			timer = time.NewTimer(s.commandTimeout(req.cmd))
			timerCh = timer.C

		case <-timerCh:
			cur := current
			stopTimer()
			current = nil
			err := error(ErrCommandTimeout)
			if cur.req.cmd.Abortable && s.flushAfterTimeout(lineCh, ackCh) {
				err = ErrAborted
			}
			cur.req.resultCh <- cmdResponse{err: err}

		case ev := <-lineCh:
			if ev.err != nil {
				finish(cmdResponse{err: ev.err})
				return ev.err
			}
			s.handleLine(ev.text, &current)
			s.ack(ackCh)
		}
	}
}

// ack releases readerLoop to frame its next token. It never blocks past
// Close, since a session tearing down may leave readerLoop parked on
// ReadToken with nobody left to drain lineCh.
func (s *Session) ack(ackCh chan<- struct{}) {
	select {
	case ackCh <- struct{}{}:
	case <-s.closed:
	}
}

func (s *Session) handleLine(text string, current **pendingCmd) {
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return
	}

	if code, detail, ok := s.isErrorTermination(text); ok {
		if *current != nil {
			cur := *current
			*current = nil
			cur.req.resultCh <- cmdResponse{err: &ATError{Code: code, Detail: detail}}
		} else {
			s.log.Warn("atsession: unsolicited error line", zap.String("line", text))
		}
		return
	}

	if s.isOKTermination(text) {
		if *current != nil {
			cur := *current
			*current = nil
			cur.req.resultCh <- cmdResponse{result: at.Result{Code: text, Responses: cur.responses}}
		} else {
			s.log.Warn("atsession: unsolicited OK line", zap.String("line", text))
		}
		return
	}

	verb, rest, ok := at.SplitInformationLine(text)
	if !ok {
		if *current != nil && text == (*current).req.cmd.Format() {
			return // echo of the command we just sent
		}
		if *current != nil {
			(*current).responses = append((*current).responses, at.Line{Raw: text})
		} else {
			s.log.Debug("atsession: unclassified idle line", zap.String("line", text))
		}
		return
	}

	line, err := s.buildLine(verb, rest)
	if err != nil {
		s.log.Warn("atsession: parser error", zap.String("verb", verb), zap.Error(err))
		return
	}

	pendingIsSameVerb := *current != nil && (*current).req.cmd.Verb == verb
	if s.reg.IsURC(verb) && !pendingIsSameVerb {
		s.dispatchURC(line)
		return
	}
	if *current != nil {
		(*current).responses = append((*current).responses, line)
	} else {
		s.log.Debug("atsession: idle information line", zap.String("verb", verb))
	}
}

// flushAfterTimeout implements the empty-ping abort protocol: send an
// empty ping up to three times, each capped at 5s, looking for the
// modem's "+CME ERROR: Command aborted" line, bounded overall by 20s. It
// reports whether the modem confirmed the abort.
func (s *Session) flushAfterTimeout(lineCh <-chan lineEvent, ackCh chan<- struct{}) bool {
	deadline := time.Now().Add(abortOuterCap)
	for attempt := 0; attempt < abortMaxAttempts && time.Now().Before(deadline); attempt++ {
		if err := s.writeLine(""); err != nil {
			return false
		}
		pingTimer := time.NewTimer(abortPingTimeout)
		aborted := s.drainUntilAbortedOrTimeout(lineCh, ackCh, pingTimer.C)
		pingTimer.Stop()
		if aborted {
			return true
		}
	}
	return false
}

func (s *Session) drainUntilAbortedOrTimeout(lineCh <-chan lineEvent, ackCh chan<- struct{}, pingC <-chan time.Time) bool {
	for {
		select {
		case ev, ok := <-lineCh:
			if !ok || ev.err != nil {
				return false
			}
			text := strings.TrimSpace(ev.text)
			if text == "" {
				s.ack(ackCh)
				continue
			}
			if code, detail, isErr := s.isErrorTermination(text); isErr {
				s.ack(ackCh)
				if code == at.CMEError && detail == abortedDetail {
					return true
				}
				return false
			}
			if s.isOKTermination(text) {
				s.ack(ackCh)
				return false
			}
			if verb, rest, ok := at.SplitInformationLine(text); ok {
				if line, err := s.buildLine(verb, rest); err == nil && s.reg.IsURC(verb) {
					s.dispatchURC(line)
				}
			}
			s.ack(ackCh)
		case <-pingC:
			return false
		}
	}
}

var errBusy = &busyError{}

type busyError struct{}

func (*busyError) Error() string {
	return "atsession: a command is already outstanding (caller must serialize via Locker)"
}
