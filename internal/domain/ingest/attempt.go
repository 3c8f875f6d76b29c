package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Attempt outcomes beyond the DispatchResult kinds.
const (
	AttemptTransportError = "transport_error"
)

// maxStoredBody caps the response body kept per attempt.
const maxStoredBody = 4096

// Attempt records one downstream call, or the decision not to make one.
type Attempt struct {
	ID            string        `json:"id"`
	RequestID     string        `json:"request_id,omitempty"`
	ResourceType  string        `json:"resource_type"`
	Method        string        `json:"method,omitempty"`
	URL           string        `json:"url,omitempty"`
	PatientID     string        `json:"patient_id,omitempty"`
	ObservationID string        `json:"observation_id,omitempty"`
	Outcome       string        `json:"outcome"`
	StatusCode    int           `json:"status_code,omitempty"`
	ResponseBody  string        `json:"response_body,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	CreatedAt     time.Time     `json:"created_at"`
}

func truncateBody(b []byte) string {
	if len(b) > maxStoredBody {
		return string(b[:maxStoredBody])
	}
	return string(b)
}

// AttemptRepository persists attempts for operators. It is an audit trail
// only; dispatch never reads it back.
type AttemptRepository interface {
	Record(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	List(ctx context.Context, limit, offset int) ([]*Attempt, int, error)
}

// InMemoryAttemptRepository keeps the most recent attempts in a bounded,
// thread-safe buffer, newest first on List.
type InMemoryAttemptRepository struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	attempts map[string]*Attempt
}

// NewInMemoryAttemptRepository creates a store holding at most capacity
// attempts; older entries are evicted first.
func NewInMemoryAttemptRepository(capacity int) *InMemoryAttemptRepository {
	if capacity <= 0 {
		capacity = 1000
	}
	return &InMemoryAttemptRepository{
		capacity: capacity,
		attempts: make(map[string]*Attempt),
	}
}

func (r *InMemoryAttemptRepository) Record(_ context.Context, a *Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attempts[a.ID]; !ok {
		r.order = append(r.order, a.ID)
	}
	r.attempts[a.ID] = a
	for len(r.order) > r.capacity {
		delete(r.attempts, r.order[0])
		r.order = r.order[1:]
	}
	return nil
}

func (r *InMemoryAttemptRepository) Get(_ context.Context, id string) (*Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attempts[id]
	if !ok {
		return nil, fmt.Errorf("attempt %s not found", id)
	}
	return a, nil
}

func (r *InMemoryAttemptRepository) List(_ context.Context, limit, offset int) ([]*Attempt, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.order)
	if offset >= total {
		return []*Attempt{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Attempt, 0, end-offset)
	for i := offset; i < end; i++ {
		out = append(out, r.attempts[r.order[total-1-i]])
	}
	return out, total, nil
}
