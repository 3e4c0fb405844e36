// Package eloop is a single-goroutine reactor.
//
// Every closure posted to a Loop runs on the goroutine that called Run, one
// at a time and in arrival order, so state owned by the loop needs no locks.
// Timers fire by posting into the same queue.
package eloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "wipush/pkg/logx"
)

var ErrStopped = errors.New("eloop: stopped")

type Loop struct {
	log   logx.Logger
	tasks chan func()
	done  chan struct{}
	once  sync.Once

	// timers is only touched from the loop goroutine, except by AfterFunc
	// when it is called before Run starts.
	mu     sync.Mutex
	seq    uint64
	timers map[uint64]*time.Timer
}

// New creates a loop whose queue holds up to depth pending closures before
// Post starts to block.
func New(depth int, log logx.Logger) *Loop {
	if depth <= 0 {
		depth = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		log:    log,
		tasks:  make(chan func(), depth),
		done:   make(chan struct{}),
		timers: map[uint64]*time.Timer{},
	}
}

// Run executes posted closures until ctx is cancelled. Pending timers are
// stopped on return.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

func (l *Loop) stop() {
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		for id, t := range l.timers {
			t.Stop()
			delete(l.timers, id)
		}
		l.mu.Unlock()
	})
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post queues fn, blocking while the queue is full. It fails when ctx ends or
// the loop has stopped.
func (l *Loop) Post(ctx context.Context, fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if err := l.Post(ctx, func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		// fn may still have run right before shutdown.
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer is a one-shot timer created by AfterFunc.
type Timer struct {
	l  *Loop
	id uint64
}

// AfterFunc runs fn on the loop after d. Stopping the timer from the loop
// guarantees fn does not run, even if the deadline already passed and the
// firing is still queued.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	l.mu.Lock()
	l.seq++
	id := l.seq
	l.timers[id] = time.AfterFunc(d, func() {
		err := l.Post(context.Background(), func() {
			l.mu.Lock()
			_, live := l.timers[id]
			delete(l.timers, id)
			l.mu.Unlock()
			if live {
				fn()
			}
		})
		if err != nil && !errors.Is(err, ErrStopped) {
			l.log.Warn("timer dropped", logx.Uint64("id", id), logx.Err(err))
		}
	})
	l.mu.Unlock()
	return &Timer{l: l, id: id}
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.l == nil {
		return false
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	tm, ok := t.l.timers[t.id]
	if !ok {
		return false
	}
	tm.Stop()
	delete(t.l.timers, t.id)
	return true
}

// Pending returns the number of armed timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (t *Timer) String() string { return fmt.Sprintf("timer#%d", t.id) }
