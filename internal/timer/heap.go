package timer

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a callback scheduled for a single future execution
type Task struct {
	ID       string
	ExpiryAt time.Time
	Callback func()
	index    int // index in the heap (for heap.Interface)
}

// taskHeap is a min-heap of Tasks ordered by ExpiryAt
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].ExpiryAt.Before(h[j].ExpiryAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[0 : n-1]
	return task
}

// Scheduler runs one-shot callbacks at their expiry time. Countdowns of all
// sessions in a process share one Scheduler, keyed by task id.
type Scheduler struct {
	heap    taskHeap
	tasks   map[string]*Task
	mu      sync.Mutex
	wakeup  chan struct{}
	stopCh  chan struct{}
	running sync.WaitGroup
	started bool
	stopped bool
	fired   uint64
	dropped uint64
	logger  *zap.Logger
}

// NewScheduler creates a scheduler. Call Start before scheduling.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		heap:   make(taskHeap, 0),
		tasks:  make(map[string]*Task),
		wakeup: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	heap.Init(&s.heap)
	return s
}

// Start launches the scheduling loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Stop halts the loop, drops pending tasks and waits for callbacks that
// are already running
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.dropped += uint64(len(s.tasks))
	s.heap = s.heap[:0]
	s.tasks = make(map[string]*Task)
	s.mu.Unlock()

	s.running.Wait()
}

// Schedule registers callback to run at expiryAt. A task with the same id
// is replaced.
func (s *Scheduler) Schedule(id string, expiryAt time.Time, callback func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrManagerStopped
	}

	if existing, ok := s.tasks[id]; ok {
		heap.Remove(&s.heap, existing.index)
		delete(s.tasks, id)
	}

	task := &Task{
		ID:       id,
		ExpiryAt: expiryAt,
		Callback: callback,
	}

	heap.Push(&s.heap, task)
	s.tasks[id] = task

	if s.heap[0] == task {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}

	return nil
}

// Cancel removes a pending task. It returns false when the task already
// fired or was never scheduled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false
	}

	heap.Remove(&s.heap, task.index)
	delete(s.tasks, id)
	return true
}

// Pending reports whether a task with id is waiting to fire
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

func (s *Scheduler) run() {
	for {
		s.mu.Lock()

		if s.stopped {
			s.mu.Unlock()
			return
		}

		var waitDuration time.Duration
		if s.heap.Len() == 0 {
			waitDuration = 24 * time.Hour
		} else {
			waitDuration = time.Until(s.heap[0].ExpiryAt)

			if waitDuration <= 0 {
				task := heap.Pop(&s.heap).(*Task)
				delete(s.tasks, task.ID)
				s.fired++
				s.running.Add(1)
				go s.execute(task)

				s.mu.Unlock()
				continue
			}
		}

		s.mu.Unlock()

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
		case <-s.wakeup:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) execute(task *Task) {
	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timer callback panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	task.Callback()
}

// Stats returns statistics about the scheduler
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		ScheduledTasks: len(s.tasks),
		FiredTasks:     s.fired,
		DroppedTasks:   s.dropped,
	}
}

// Stats contains statistics about the scheduler
type Stats struct {
	ScheduledTasks int
	FiredTasks     uint64
	DroppedTasks   uint64
}

var (
	ErrManagerStopped = &TimerError{"timer scheduler is stopped"}
)

// TimerError represents a timer error
type TimerError struct {
	msg string
}

func (e *TimerError) Error() string {
	return e.msg
}
