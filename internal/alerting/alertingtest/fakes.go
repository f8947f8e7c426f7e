// Package alertingtest provides in-memory collaborators for testing code
// built on the alert lifecycle manager.
package alertingtest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/smukkama/safety-engine/internal/domain"
	"github.com/smukkama/safety-engine/internal/protocol"
)

// ManualScheduler holds callbacks until the test fires them
type ManualScheduler struct {
	mu    sync.Mutex
	tasks map[string]scheduled
}

type scheduled struct {
	at time.Time
	cb func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tasks: make(map[string]scheduled)}
}

func (s *ManualScheduler) Schedule(id string, at time.Time, cb func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = scheduled{at: at, cb: cb}
	return nil
}

func (s *ManualScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	return ok
}

// Pending returns the ids of scheduled tasks in sorted order
func (s *ManualScheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Deadline returns when task id is due
func (s *ManualScheduler) Deadline(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t.at, ok
}

// Capture returns a task's callback without removing it, so a test can
// replay a timer that fires after it was canceled
func (s *ManualScheduler) Capture(id string) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].cb
}

// FireAll runs and removes every pending task, returning how many ran
func (s *ManualScheduler) FireAll() int {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]scheduled)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cb()
	}
	return len(tasks)
}

// MemoryStore is an in-memory alert store
type MemoryStore struct {
	mu        sync.Mutex
	alerts    map[string]*domain.SafetyAlert
	order     []string
	CreateErr error
	UpdateErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*domain.SafetyAlert)}
}

func (s *MemoryStore) CreateAlert(_ context.Context, a *domain.SafetyAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	cp := *a
	s.alerts[a.ID] = &cp
	s.order = append(s.order, a.ID)
	return nil
}

var ErrNotFound = errors.New("alert not found")

func (s *MemoryStore) UpdateVideoURL(_ context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	u := url
	a.VideoURL = &u
	return nil
}

// Alerts returns copies of all alerts in creation order
func (s *MemoryStore) Alerts() []domain.SafetyAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SafetyAlert, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.alerts[id])
	}
	return out
}

// Get returns a copy of one alert
func (s *MemoryStore) Get(id string) (domain.SafetyAlert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return domain.SafetyAlert{}, false
	}
	return *a, true
}

// StaticPins serves fixed PINs per user
type StaticPins map[string]string

func (p StaticPins) CancelPIN(_ context.Context, userID string) (string, error) {
	return p[userID], nil
}

// Recorder captures published notifications
type Recorder struct {
	mu   sync.Mutex
	sent []*protocol.AlertNotification
}

func (r *Recorder) Publish(_ context.Context, n *protocol.AlertNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Types returns the notification types in publish order
func (r *Recorder) Types() []protocol.AlertNotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.AlertNotificationType, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Type)
	}
	return out
}

// Last returns the most recent notification
func (r *Recorder) Last() *protocol.AlertNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1]
}

// Clock is a settable time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// SequentialIDs returns a generator yielding id-1, id-2, ...
func SequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}
