package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("task queue full")
	ErrClosed    = errors.New("worker manager closed")
)

const (
	defaultQueueSize   = 16
	defaultIdleTimeout = 5 * time.Minute
)

type Config struct {
	QueueSize   int
	IdleTimeout time.Duration
}

// Manager runs tasks on one goroutine per chat. Tasks of a chat run one at
// a time in submission order; different chats run in parallel. A chat's
// goroutine starts on first use and exits after IdleTimeout without work.
type Manager struct {
	mu      sync.Mutex
	workers map[int64]*chatWorker
	closed  bool
	wg      sync.WaitGroup

	queueSize int
	idle      time.Duration
	logger    *zap.Logger
}

type task struct {
	ctx context.Context
	fn  func(context.Context)
	// done receives the outcome when the caller waits for it; nil otherwise.
	done chan error
}

type chatWorker struct {
	taskCh chan task
	stopCh chan struct{}
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		workers:   make(map[int64]*chatWorker),
		queueSize: cfg.QueueSize,
		idle:      cfg.IdleTimeout,
		logger:    logger.Named("worker"),
	}
}

// Do runs fn on the chat's worker and waits for it to finish. It returns
// ctx.Err() if ctx ends first; fn may still be running in that case.
func (m *Manager) Do(ctx context.Context, chatID int64, fn func(context.Context)) error {
	done := make(chan error, 1)
	if err := m.submit(chatID, task{ctx: ctx, fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn on the chat's worker without waiting.
func (m *Manager) Submit(ctx context.Context, chatID int64, fn func(context.Context)) error {
	return m.submit(chatID, task{ctx: ctx, fn: fn})
}

// Active reports how many chat workers are running.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Close stops every worker and waits for them. Queued tasks that have not
// started are dropped and their waiters get ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, w := range m.workers {
		close(w.stopCh)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// submit enqueues under m.mu so an idle worker can never exit between
// being looked up and receiving the task.
func (m *Manager) submit(chatID int64, t task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	w, ok := m.workers[chatID]
	if !ok {
		w = &chatWorker{
			taskCh: make(chan task, m.queueSize),
			stopCh: make(chan struct{}),
		}
		m.workers[chatID] = w
		m.wg.Add(1)
		go m.runWorker(chatID, w)
	}
	select {
	case w.taskCh <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Manager) runWorker(chatID int64, w *chatWorker) {
	defer m.wg.Done()
	timer := time.NewTimer(m.idle)
	defer timer.Stop()

	for {
		// stop wins over queued work
		select {
		case <-w.stopCh:
			m.drain(w)
			return
		default:
		}
		select {
		case <-w.stopCh:
			m.drain(w)
			return
		case t := <-w.taskCh:
			m.run(chatID, t)
			timer.Reset(m.idle)
		case <-timer.C:
			m.mu.Lock()
			if len(w.taskCh) > 0 {
				m.mu.Unlock()
				timer.Reset(m.idle)
				continue
			}
			delete(m.workers, chatID)
			m.mu.Unlock()
			m.logger.Debug("chat worker idle, exiting", zap.Int64("chat_id", chatID))
			return
		}
	}
}

func (m *Manager) run(chatID int64, t task) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("chat task panicked", zap.Int64("chat_id", chatID), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("chat task panicked: %v", r)
		}
		if t.done != nil {
			t.done <- err
		}
	}()
	if err = t.ctx.Err(); err != nil {
		return
	}
	t.fn(t.ctx)
}

func (m *Manager) drain(w *chatWorker) {
	for {
		select {
		case t := <-w.taskCh:
			if t.done != nil {
				t.done <- ErrClosed
			}
		default:
			return
		}
	}
}
