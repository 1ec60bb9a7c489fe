package policy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ticket status values.
const (
	TicketPending = "pending"
	TicketGranted = "granted"
	TicketDenied  = "denied"
	TicketExpired = "expired"
)

var (
	// ErrUnknownTicket reports a resolution for a ticket that does not exist.
	ErrUnknownTicket = errors.New("unknown ticket")
	// ErrTicketTerminal reports a transition out of a terminal state.
	ErrTicketTerminal = errors.New("ticket already resolved")
)

// Ticket is an open obligation for a human to grant or deny a gated
// capability use.
type Ticket struct {
	ID                 string                 `json:"ticket_id"`
	SessionID          string                 `json:"session_id"`
	BranchID           string                 `json:"branch_id"`
	RequestingSequence uint64                 `json:"requesting_sequence"`
	Capability         string                 `json:"capability"`
	Tool               string                 `json:"tool"`
	Args               map[string]interface{} `json:"args,omitempty"`
	Status             string                 `json:"status"`
	CreatedAt          time.Time              `json:"created_at"`
	ResolvedAt         time.Time              `json:"resolved_at,omitzero"`
}

// Resolution is a human decision on a ticket.
type Resolution struct {
	Granted bool
}

// Queue is the process-wide approval queue, keyed by session.
// Resolution calls are serializable.
type Queue struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	ttl     time.Duration
}

// NewQueue creates an approval queue with the given pending-ticket TTL.
func NewQueue(ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Queue{
		tickets: make(map[string]*Ticket),
		ttl:     ttl,
	}
}

// Submit opens a pending ticket for the given intent.
func (q *Queue) Submit(sessionID, branchID string, requestingSeq uint64, capability, tool string, args map[string]interface{}) *Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &Ticket{
		ID:                 uuid.NewString(),
		SessionID:          sessionID,
		BranchID:           branchID,
		RequestingSequence: requestingSeq,
		Capability:         capability,
		Tool:               tool,
		Args:               args,
		Status:             TicketPending,
		CreatedAt:          time.Now(),
	}
	q.tickets[t.ID] = t
	cp := *t
	return &cp
}

// Resolve transitions a pending ticket to granted or denied. Repeating
// an identical resolution is idempotent; transitions out of terminal
// states are rejected.
func (q *Queue) Resolve(ticketID string, res Resolution) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTicket, ticketID)
	}

	target := TicketDenied
	if res.Granted {
		target = TicketGranted
	}

	switch t.Status {
	case TicketPending:
		t.Status = target
		t.ResolvedAt = time.Now()
	case target:
		// Identical resolution repeated: no-op.
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrTicketTerminal, ticketID, t.Status)
	}

	cp := *t
	return &cp, nil
}

// Expire moves overdue pending tickets to expired and returns them.
func (q *Queue) Expire(now time.Time) []*Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*Ticket
	for _, t := range q.tickets {
		if t.Status == TicketPending && now.Sub(t.CreatedAt) > q.ttl {
			t.Status = TicketExpired
			t.ResolvedAt = now
			cp := *t
			expired = append(expired, &cp)
		}
	}
	return expired
}

// Restore re-inserts a ticket rebuilt from the journal during recovery.
// Existing tickets win; restore never clobbers live state.
func (q *Queue) Restore(t *Ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tickets[t.ID]; ok {
		return
	}
	cp := *t
	if cp.Status == "" {
		cp.Status = TicketPending
	}
	q.tickets[cp.ID] = &cp
}

// Get returns a copy of a ticket.
func (q *Queue) Get(ticketID string) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTicket, ticketID)
	}
	cp := *t
	return &cp, nil
}

// Pending returns the pending tickets for a session, oldest first.
func (q *Queue) Pending(sessionID string) []*Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Ticket
	for _, t := range q.tickets {
		if t.SessionID == sessionID && t.Status == TicketPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTicketsByAge(out)
	return out
}

func sortTicketsByAge(ts []*Ticket) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].CreatedAt.Before(ts[j-1].CreatedAt); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}
