// Package actor provides the single-writer mailbox each actor runs its state on.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"codeguard/internal/logger"
)

// ErrStopped is returned when a mailbox is no longer accepting work.
var ErrStopped = errors.New("actor stopped")

// ErrFull is returned by Post when the mailbox queue is full.
var ErrFull = errors.New("actor mailbox full")

type op struct {
	ctx context.Context
	fn  func(context.Context)
}

// Mailbox serializes all operations on one actor's state onto a single goroutine.
type Mailbox struct {
	name string
	ops  chan op
	done chan struct{}
	once sync.Once
}

// NewMailbox creates a mailbox with the given queue depth.
func NewMailbox(name string, depth int) *Mailbox {
	if depth <= 0 {
		depth = 64
	}
	return &Mailbox{
		name: name,
		ops:  make(chan op, depth),
		done: make(chan struct{}),
	}
}

// Name returns the actor name.
func (m *Mailbox) Name() string {
	return m.name
}

// Run drains the mailbox until ctx is cancelled. Queued work is dropped on exit.
func (m *Mailbox) Run(ctx context.Context) error {
	logger.Infof("Actor %s started", m.name)
	defer m.stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("Actor %s stopped", m.name)
			return ctx.Err()
		case o := <-m.ops:
			m.exec(ctx, o)
		}
	}
}

func (m *Mailbox) exec(runCtx context.Context, o op) {
	ctx := o.ctx
	if ctx == nil {
		ctx = runCtx
	}
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Actor %s operation panicked: %v", m.name, r)
		}
	}()
	o.fn(ctx)
}

func (m *Mailbox) stop() {
	m.once.Do(func() { close(m.done) })
}

// Done is closed once the mailbox loop has exited.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Do enqueues fn and waits for it to finish, for ctx to end, or for the mailbox to stop.
func (m *Mailbox) Do(ctx context.Context, fn func(context.Context) error) error {
	result := make(chan error, 1)
	o := op{ctx: ctx, fn: func(c context.Context) {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("actor %s: panic: %v", m.name, r)
			}
			result <- err
		}()
		err = fn(c)
	}}

	select {
	case m.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// Post enqueues fn without waiting. It never blocks.
func (m *Mailbox) Post(fn func(context.Context)) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.ops <- op{fn: fn}:
		return nil
	default:
		return ErrFull
	}
}

// Call runs fn on the mailbox and returns its value.
func Call[T any](ctx context.Context, m *Mailbox, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, func(c context.Context) error {
		v, err := fn(c)
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
