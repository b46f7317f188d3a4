package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/sells-group/price-oracle/internal/model"
)

// Backend holds scheduled jobs. Push stores or replaces a job and makes it
// due at job.NextRunAt. Pop claims the earliest due job, returning nil when
// nothing is due. Ack forgets a claimed job.
type Backend interface {
	Push(ctx context.Context, job model.ScrapeJob) error
	Pop(ctx context.Context, now time.Time) (*model.ScrapeJob, error)
	Ack(ctx context.Context, jobID string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryBackend is a process-local Backend ordered by NextRunAt.
type MemoryBackend struct {
	mu       sync.Mutex
	pending  jobHeap
	index    map[string]*heapItem
	inFlight map[string]model.ScrapeJob
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		index:    make(map[string]*heapItem),
		inFlight: make(map[string]model.ScrapeJob),
	}
}

func (m *MemoryBackend) Push(_ context.Context, job model.ScrapeJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inFlight, job.ID)
	if it, ok := m.index[job.ID]; ok {
		it.job = job
		heap.Fix(&m.pending, it.pos)
		return nil
	}
	it := &heapItem{job: job}
	heap.Push(&m.pending, it)
	m.index[job.ID] = it
	return nil
}

func (m *MemoryBackend) Pop(_ context.Context, now time.Time) (*model.ScrapeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending.Len() == 0 || m.pending[0].job.NextRunAt.After(now) {
		return nil, nil
	}
	it := heap.Pop(&m.pending).(*heapItem)
	delete(m.index, it.job.ID)
	m.inFlight[it.job.ID] = it.job
	job := it.job
	return &job, nil
}

func (m *MemoryBackend) Ack(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, jobID)
	return nil
}

// Len counts scheduled and in-flight jobs.
func (m *MemoryBackend) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len() + len(m.inFlight), nil
}

func (m *MemoryBackend) Close() error { return nil }

type heapItem struct {
	job model.ScrapeJob
	pos int
}

type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.NextRunAt.Equal(h[j].job.NextRunAt) {
		return h[i].job.EnqueuedAt.Before(h[j].job.EnqueuedAt)
	}
	return h[i].job.NextRunAt.Before(h[j].job.NextRunAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*heapItem)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
