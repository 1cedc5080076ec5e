// Package supervisor implements the per-session task supervisor called for
// in the design notes: a single owner of every task's cancellation token and
// goroutine handle, replacing cancel fields scattered across caller state
// (the pattern the teacher's Transport uses for its single cancel field is
// generalized here into a tree with a dedicated voip subtree).
package supervisor

import (
	"context"
	"sync"
)

// Supervisor owns a hierarchical cancellation token tree for one session.
// Cancelling the root cancels every task; cancelling the voip child alone
// lets a caller leave a call without tearing down the session (§5, §9).
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	wg       sync.WaitGroup
	voip     context.Context
	voipStop context.CancelFunc
	errOnce  sync.Once
	errCh    chan error
}

// New creates a root supervisor derived from parent.
func New(parent context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		errCh:  make(chan error, 1),
	}
}

// Context returns the root cancellation context. Tasks that must survive a
// voip leave (receive, sync) derive their suspension points from this.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Go runs fn in a tracked goroutine under the root context. If fn returns a
// non-nil error, the supervisor treats it as fatal: it reports the error
// once via Err and cancels the root, which in turn cancels every sibling
// task at its next suspension point (§5 Cancellation, §7 Propagation).
func (s *Supervisor) Go(fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.reportFatal(err)
		}
	}()
}

func (s *Supervisor) reportFatal(err error) {
	s.errOnce.Do(func() {
		s.errCh <- err
		s.cancel()
	})
}

// Err returns a channel that receives the first fatal task error, if any.
// It is closed only implicitly by process exit; callers select on it
// alongside Context().Done().
func (s *Supervisor) Err() <-chan error {
	return s.errCh
}

// VoipContext starts (or restarts) the voip subtree and returns its
// context. CallParticipation transitions into InCall use this context for
// the voice and video sender tasks (§4.7, §5).
func (s *Supervisor) VoipContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voip != nil {
		s.voipStop()
	}
	s.voip, s.voipStop = context.WithCancel(s.ctx)
	return s.voip
}

// LeaveVoip cancels only the voip subtree, per the CallParticipation
// Leaving transition, without affecting the rest of the session.
func (s *Supervisor) LeaveVoip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voipStop != nil {
		s.voipStop()
		s.voip, s.voipStop = nil, nil
	}
}

// Shutdown cancels the root and waits for every tracked goroutine to
// return. Safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
