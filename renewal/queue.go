package renewal

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/caasmo/certinpieces/acme"
)

// Priority orders tasks in the queue scheduler. Higher values run first;
// ties run in submission order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Task is one renewal request in the queue.
type Task struct {
	Domains  []string
	Priority Priority

	attempts int
	seq      uint64
	retry    backoff.BackOff
}

// maximum tries per task, first run included.
const maxTaskAttempts = 3

// taskHeap is a max-heap by priority, FIFO within a priority.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// QueueScheduler runs renewals from a priority queue with a hard cap on
// concurrent renewals. Submissions never block: they land on a channel
// that a bridge goroutine drains into the heap, so a slow renewal cannot
// back-pressure the submitter. Failed tasks are requeued with backoff up
// to three attempts unless the failure is fatal.
type QueueScheduler struct {
	renewer Renewer
	hooks   []Hook
	logger  *slog.Logger

	submissions chan *Task
	workers     *semaphore.Weighted
	retryDelay  time.Duration

	mu      sync.Mutex
	pending taskHeap
	seq     uint64

	ctx          context.Context
	cancel       context.CancelFunc
	wake         chan struct{}
	shutdownDone chan struct{}
	wg           sync.WaitGroup
}

func NewQueueScheduler(concurrency int, renewer Renewer, logger *slog.Logger) *QueueScheduler {
	if concurrency <= 0 {
		concurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueScheduler{
		renewer:      renewer,
		logger:       logger.With("component", "renewal_queue"),
		submissions:  make(chan *Task, 64),
		workers:      semaphore.NewWeighted(int64(concurrency)),
		retryDelay:   5 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
		wake:         make(chan struct{}, 1),
		shutdownDone: make(chan struct{}),
	}
}

// AddHook registers a lifecycle hook. Call before Start.
func (s *QueueScheduler) AddHook(h Hook) {
	s.hooks = append(s.hooks, h)
}

// Submit queues a renewal. It returns false once the scheduler is
// stopping.
func (s *QueueScheduler) Submit(domains []string, priority Priority) bool {
	task := &Task{Domains: domains, Priority: priority}
	select {
	case s.submissions <- task:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Start launches the bridge and dispatch loops.
func (s *QueueScheduler) Start() {
	go s.bridge()
	go s.dispatch()
}

// Stop halts intake, waits for in-flight renewals to finish or ctx to
// expire.
func (s *QueueScheduler) Stop(ctx context.Context) error {
	s.logger.Info("stopping renewal queue")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-s.shutdownDone
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("renewal queue stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("renewal queue shutdown timed out")
		return ctx.Err()
	}
}

// bridge moves submissions from the channel into the heap and nudges the
// dispatcher.
func (s *QueueScheduler) bridge() {
	for {
		select {
		case task := <-s.submissions:
			s.enqueue(task)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *QueueScheduler) enqueue(task *Task) {
	s.mu.Lock()
	s.seq++
	task.seq = s.seq
	heap.Push(&s.pending, task)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *QueueScheduler) dequeue() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.pending).(*Task)
}

// QueueLen returns the number of tasks waiting (not in flight).
func (s *QueueScheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

func (s *QueueScheduler) dispatch() {
	defer close(s.shutdownDone)
	for {
		task := s.dequeue()
		if task == nil {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		if err := s.workers.Acquire(s.ctx, 1); err != nil {
			return
		}
		s.wg.Add(1)
		go func(task *Task) {
			defer s.wg.Done()
			defer s.workers.Release(1)
			s.run(task)
		}(task)
	}
}

func (s *QueueScheduler) run(task *Task) {
	task.attempts++
	logger := s.logger.With("domains", task.Domains, "priority", task.Priority, "attempt", task.attempts)

	for _, h := range s.hooks {
		h.BeforeRenewal(s.ctx, task.Domains)
	}

	bundle, err := s.renewer.Renew(s.ctx, task.Domains)
	if err == nil {
		logger.Info("renewal succeeded")
		for _, h := range s.hooks {
			h.AfterRenewal(s.ctx, task.Domains, bundle)
		}
		return
	}

	logger.Error("renewal failed", "error", err)
	for _, h := range s.hooks {
		h.OnError(s.ctx, task.Domains, err)
	}

	if acme.IsFatal(err) {
		logger.Warn("error is fatal, not retrying")
		return
	}
	if task.attempts >= maxTaskAttempts {
		logger.Warn("giving up after final attempt")
		return
	}

	// Requeue with exponential back-off across the task's attempts.
	if task.retry == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = s.retryDelay
		bo.Multiplier = 2
		bo.RandomizationFactor = 0
		bo.MaxElapsedTime = 0
		bo.Reset()
		task.retry = bo
	}
	delay := task.retry.NextBackOff()
	logger.Info("requeueing", "delay", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.enqueue(task)
	case <-s.ctx.Done():
	}
}
