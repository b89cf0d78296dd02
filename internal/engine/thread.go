// Package engine owns the OS thread an embedded JS engine runs on. Every call
// into the engine is funneled through a Thread.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/bingosuite/cdpbridge/internal/logging"
)

var (
	ErrStopped     = errors.New("engine thread stopped")
	ErrWrongThread = errors.New("engine called from outside its thread")
)

// Thread is a single goroutine locked to one OS thread, working through an
// unbounded FIFO of tasks. Submit never blocks, so it is safe to call from
// the thread itself.
type Thread struct {
	log *logging.Logger

	mu      sync.Mutex
	tasks   []func()
	stopped bool
	wake    chan struct{}

	done chan struct{}
	tid  int
}

// Start launches the thread and waits until it is locked and running.
func Start(name string) *Thread {
	t := &Thread{
		log:  logging.New(name),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	ready := make(chan struct{})
	go t.loop(ready)
	<-ready
	return t
}

func (t *Thread) loop(ready chan<- struct{}) {
	// the engine keeps thread-affine state; the goroutine must never migrate
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	t.tid = currentThreadID()
	close(ready)
	t.log.Debugf("engine thread %d started", t.tid)

	for {
		<-t.wake
		if !t.runPending() {
			t.log.Debugf("engine thread %d stopped", t.tid)
			return
		}
	}
}

// runPending executes queued tasks and reports whether the thread should
// keep running.
func (t *Thread) runPending() bool {
	for {
		t.mu.Lock()
		if len(t.tasks) == 0 {
			stopped := t.stopped
			t.mu.Unlock()
			return !stopped
		}
		task := t.tasks[0]
		t.tasks[0] = nil
		t.tasks = t.tasks[1:]
		t.mu.Unlock()

		t.run(task)
	}
}

func (t *Thread) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Errorf("task panicked: %v", r)
		}
	}()
	task()
}

// Submit queues task to run on the thread.
func (t *Thread) Submit(task func()) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	t.tasks = append(t.tasks, task)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call runs fn on the thread and waits for its result.
func (t *Thread) Call(fn func() error) error {
	result := make(chan error, 1)
	err := t.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("engine task panicked: %v", r)
			}
		}()
		result <- fn()
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-t.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Drain runs the tasks queued so far without waiting for new ones. It must
// be called on the thread; the engine uses it while it is held in a pause.
func (t *Thread) Drain() int {
	if err := t.CheckThread(); err != nil {
		t.log.Warnf("drain: %v", err)
		return 0
	}
	t.mu.Lock()
	batch := t.tasks
	t.tasks = nil
	t.mu.Unlock()

	for _, task := range batch {
		t.run(task)
	}
	return len(batch)
}

// CheckThread returns ErrWrongThread when called off the engine thread.
// Platforms without thread ids always pass.
func (t *Thread) CheckThread() error {
	id := currentThreadID()
	if id == 0 || id == t.tid {
		return nil
	}
	return fmt.Errorf("%w: thread %d, engine thread %d", ErrWrongThread, id, t.tid)
}

// Stop lets queued tasks finish, then ends the thread. Later Submits fail.
func (t *Thread) Stop() {
	t.mu.Lock()
	already := t.stopped
	t.stopped = true
	t.mu.Unlock()
	if !already {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
	<-t.done
}

// Done is closed once the thread has exited.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}
