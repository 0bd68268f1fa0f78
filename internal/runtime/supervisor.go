package runtime

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskFunc 为一个后台任务；返回后任务即结束。
type TaskFunc func(ctx context.Context) error

// TaskStatus is the lifecycle state of a supervised task.
type TaskStatus string

const (
	TaskRunning  TaskStatus = "running"
	TaskStopped  TaskStatus = "stopped"
	TaskFailed   TaskStatus = "failed"
	TaskCanceled TaskStatus = "canceled"
)

// TaskInfo is a read-only snapshot of one task.
type TaskInfo struct {
	Name      string     `json:"name"`
	StartedAt time.Time  `json:"started_at"`
	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
}

type task struct {
	name      string
	startedAt time.Time
	status    TaskStatus
	err       error
	cancel    context.CancelFunc
}

// Supervisor runs named background tasks. Per-account tasks use a
// "<kind>:<account-id>" name so they can be cancelled as a group when the
// account goes away. Task failures are logged, never propagated.
type Supervisor struct {
	mu     sync.RWMutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor builds a supervisor rooted at ctx; cancelling ctx stops
// every task.
func NewSupervisor(ctx context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(ctx)
	return &Supervisor{tasks: make(map[string]*task), ctx: ctx, cancel: cancel}
}

// Start launches fn under the given name. Starting a name twice is an error
// unless the previous run already finished.
func (s *Supervisor) Start(name string, fn TaskFunc) error {
	s.mu.Lock()
	if t, exists := s.tasks[name]; exists && t.status == TaskRunning {
		s.mu.Unlock()
		return fmt.Errorf("task %s already running", name)
	}
	taskCtx, taskCancel := context.WithCancel(s.ctx)
	t := &task{name: name, startedAt: time.Now(), status: TaskRunning, cancel: taskCancel}
	s.tasks[name] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"task": name, "panic": r}).Error("task panicked")
				s.settle(t, TaskFailed, fmt.Errorf("panic: %v", r))
			}
		}()

		err := fn(taskCtx)
		switch {
		case err == nil:
			s.settle(t, TaskStopped, nil)
		case taskCtx.Err() != nil:
			s.settle(t, TaskCanceled, nil)
		default:
			log.WithField("task", name).WithError(err).Error("task failed")
			s.settle(t, TaskFailed, err)
		}
	}()
	return nil
}

// StartPeriodic runs fn immediately and then every interval ± jitter. Each
// tick's error is logged and the loop continues.
func (s *Supervisor) StartPeriodic(name string, interval, jitter time.Duration, fn TaskFunc) error {
	return s.Start(name, func(ctx context.Context) error {
		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.WithField("task", name).WithError(err).Warn("periodic tick failed")
			}
			timer := time.NewTimer(jittered(interval, jitter))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	})
}

// Stop cancels one task by name.
func (s *Supervisor) Stop(name string) {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if ok {
		t.cancel()
	}
}

// StopPrefix cancels every task whose name starts with prefix. Used to tear
// down all of one account's schedulers at once.
func (s *Supervisor) StopPrefix(prefix string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, t := range s.tasks {
		if strings.HasPrefix(name, prefix) {
			t.cancel()
		}
	}
}

// StopAll cancels everything.
func (s *Supervisor) StopAll() { s.cancel() }

// Wait blocks until every task has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }

// List snapshots all known tasks.
func (s *Supervisor) List() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		info := TaskInfo{Name: t.name, StartedAt: t.startedAt, Status: t.status}
		if t.err != nil {
			info.Error = t.err.Error()
		}
		out = append(out, info)
	}
	return out
}

func (s *Supervisor) settle(t *task, status TaskStatus, err error) {
	s.mu.Lock()
	t.status = status
	t.err = err
	s.mu.Unlock()
}

// jittered returns interval shifted by a uniform value in [-jitter, +jitter].
func jittered(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	d := interval + time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
