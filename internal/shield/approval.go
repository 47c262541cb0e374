package shield

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultApprovalTTL is how long a queued approval stays actionable.
const DefaultApprovalTTL = 5 * time.Minute

// PendingApproval is a tool call waiting for the owner's verdict.
type PendingApproval struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal"`
	ToolName   string    `json:"tool_name"`
	Arguments  string    `json:"arguments"`
	Decision   Decision  `json:"decision"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ApprovalQueue holds pending approvals per principal in FIFO order.
// An entry expires the instant its age reaches the TTL and is dropped
// silently on access.
type ApprovalQueue struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string][]*PendingApproval

	now func() time.Time
}

// NewApprovalQueue creates a queue. ttl <= 0 uses DefaultApprovalTTL.
func NewApprovalQueue(ttl time.Duration) *ApprovalQueue {
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	return &ApprovalQueue{
		ttl:     ttl,
		pending: make(map[string][]*PendingApproval),
		now:     time.Now,
	}
}

// Push appends a pending approval for the principal and returns it.
func (q *ApprovalQueue) Push(principal, toolName, arguments string, decision Decision) *PendingApproval {
	pa := &PendingApproval{
		ID:         uuid.New().String(),
		Principal:  principal,
		ToolName:   toolName,
		Arguments:  arguments,
		Decision:   decision,
		EnqueuedAt: q.now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[principal] = append(q.pending[principal], pa)
	return pa
}

// Pop removes and returns the oldest non-expired entry for the principal.
// Expired entries in front of it are discarded. Returns nil when nothing
// actionable remains.
func (q *ApprovalQueue) Pop(principal string) *PendingApproval {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	queue := q.pending[principal]
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		if now.Sub(head.EnqueuedAt) >= q.ttl {
			continue
		}
		q.pending[principal] = queue
		return head
	}
	delete(q.pending, principal)
	return nil
}

// Requeue puts an entry back at the head with a refreshed timestamp.
// Used when the owner's reply was unclear and the question gets re-asked.
func (q *ApprovalQueue) Requeue(pa *PendingApproval) {
	pa.EnqueuedAt = q.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[pa.Principal] = append([]*PendingApproval{pa}, q.pending[pa.Principal]...)
}

// HasPending reports whether the principal has at least one live entry.
func (q *ApprovalQueue) HasPending(principal string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, pa := range q.pending[principal] {
		if now.Sub(pa.EnqueuedAt) < q.ttl {
			return true
		}
	}
	return false
}

// Len returns the number of queued entries for the principal,
// including any not yet swept expired ones.
func (q *ApprovalQueue) Len(principal string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[principal])
}

// Sweep drops expired entries across all principals and returns the count.
func (q *ApprovalQueue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	removed := 0
	for principal, queue := range q.pending {
		kept := queue[:0]
		for _, pa := range queue {
			if now.Sub(pa.EnqueuedAt) >= q.ttl {
				removed++
				continue
			}
			kept = append(kept, pa)
		}
		if len(kept) == 0 {
			delete(q.pending, principal)
		} else {
			q.pending[principal] = kept
		}
	}
	return removed
}
