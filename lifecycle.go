package hostrelay

import (
	"context"
	"sync"
)

// ShutdownHandler is implemented by the object managed by a Lifecycle. Once
// is called exactly once, in its own goroutine, to perform the object's
// actual teardown; completionErr is an advisory completion value and the
// return value becomes the final status observed by WaitShutdown.
type ShutdownHandler interface {
	Once(completionErr error) error
}

// AsyncShutdowner is implemented by anything a Lifecycle can cascade
// shutdown to as a child.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	WaitShutdown() error
}

// Lifecycle is a base type giving any long-lived object in this package a
// uniform, cascading, exactly-once shutdown. It is the cancellation fabric
// described by the session/connection lifecycles in the data model: shutting
// down a RelaySession shuts down its ClientSessions, which are chained to it
// with AddShutdownChild. Forwarded connections and TCP forwarder pumps are
// not Lifecycle children; they end when their inner SSH connection closes.
type Lifecycle struct {
	Logger

	mu sync.Mutex

	handler ShutdownHandler

	pauseCount int
	scheduled  bool
	started    bool
	done       bool
	err        error

	startedChan chan struct{}
	handlerChan chan struct{}
	doneChan    chan struct{}

	wg sync.WaitGroup
}

// Init initializes a Lifecycle in place. Must be called before any other
// method.
func (h *Lifecycle) Init(logger Logger, handler ShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handlerChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// PauseShutdown defers the actual start of shutdown until a matching
// ResumeShutdown is called, even if StartShutdown has already been
// requested. Used to make a block of initialization atomic with respect to
// concurrent shutdown.
func (h *Lifecycle) PauseShutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.pauseCount++
	return nil
}

// ResumeShutdown undoes one PauseShutdown. If the pause count reaches zero
// and shutdown was requested while paused, shutdown begins now.
func (h *Lifecycle) ResumeShutdown() {
	h.mu.Lock()
	if h.pauseCount < 1 {
		h.mu.Unlock()
		panic("ResumeShutdown without matching PauseShutdown")
	}
	h.pauseCount--
	beginNow := h.pauseCount == 0 && h.scheduled && !h.started
	if beginNow {
		h.started = true
	}
	h.mu.Unlock()
	if beginNow {
		h.runShutdown()
	}
}

// ShutdownOnContext starts shutdown (with ctx.Err() as the advisory
// completion error) as soon as ctx is done, unless shutdown has already
// started for another reason.
func (h *Lifecycle) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// StartShutdown schedules shutdown to begin (or begins it immediately if not
// paused). Idempotent: only the first call's completionErr is used.
func (h *Lifecycle) StartShutdown(completionErr error) {
	h.mu.Lock()
	var beginNow bool
	if !h.scheduled {
		h.err = completionErr
		h.scheduled = true
		beginNow = h.pauseCount == 0
		h.started = beginNow
	}
	h.mu.Unlock()
	if beginNow {
		h.runShutdown()
	}
}

func (h *Lifecycle) runShutdown() {
	h.DLogf("shutdown started")
	close(h.startedChan)
	go func() {
		h.err = h.handler.Once(h.err)
		close(h.handlerChan)
		h.wg.Wait()
		h.mu.Lock()
		h.done = true
		h.mu.Unlock()
		h.DLogf("shutdown done")
		close(h.doneChan)
	}()
}

// Shutdown starts shutdown (if not already started) and blocks until done,
// returning the final completion status.
func (h *Lifecycle) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close is a convenience for Shutdown(nil).
func (h *Lifecycle) Close() error {
	return h.Shutdown(nil)
}

// WaitShutdown blocks until shutdown is complete and returns the final
// completion status. Does not itself request shutdown.
func (h *Lifecycle) WaitShutdown() error {
	<-h.doneChan
	return h.err
}

// ShutdownDoneChan returns a channel closed once shutdown is complete.
func (h *Lifecycle) ShutdownDoneChan() <-chan struct{} {
	return h.doneChan
}

// ShutdownStartedChan returns a channel closed as soon as shutdown begins.
func (h *Lifecycle) ShutdownStartedChan() <-chan struct{} {
	return h.startedChan
}

// IsStartedShutdown reports whether shutdown has begun.
func (h *Lifecycle) IsStartedShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// AddShutdownChild registers child to be shut down once this Lifecycle's own
// ShutdownHandler.Once has returned, and waits for the child before this
// Lifecycle is considered fully done. If the child shuts down on its own
// first (e.g. its own channel closed), that is observed instead and no
// redundant StartShutdown is sent.
func (h *Lifecycle) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handlerChan:
			child.StartShutdown(h.err)
			child.WaitShutdown()
		}
	}()
}
