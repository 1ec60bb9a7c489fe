package policy

import (
	"errors"
	"testing"
	"time"
)

func TestQueue_Lifecycle(t *testing.T) {
	q := NewQueue(time.Hour)
	ticket := q.Submit("sess", "main", 4, CapShellExec, "shell.exec", map[string]interface{}{"argv": []string{"rm"}})

	if ticket.Status != TicketPending {
		t.Errorf("new ticket should be pending, got %s", ticket.Status)
	}
	if ticket.RequestingSequence != 4 {
		t.Errorf("ticket should carry the requesting sequence, got %d", ticket.RequestingSequence)
	}

	resolved, err := q.Resolve(ticket.ID, Resolution{Granted: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != TicketGranted {
		t.Errorf("expected granted, got %s", resolved.Status)
	}
}

func TestQueue_ResolveIdempotent(t *testing.T) {
	q := NewQueue(time.Hour)
	ticket := q.Submit("sess", "main", 1, CapFSWrite, "fs.write", nil)

	if _, err := q.Resolve(ticket.ID, Resolution{Granted: false}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	// Identical resolution repeats cleanly.
	if _, err := q.Resolve(ticket.ID, Resolution{Granted: false}); err != nil {
		t.Errorf("identical resolution should be idempotent: %v", err)
	}
	// Flipping a terminal state is rejected.
	if _, err := q.Resolve(ticket.ID, Resolution{Granted: true}); !errors.Is(err, ErrTicketTerminal) {
		t.Errorf("expected ErrTicketTerminal, got %v", err)
	}
}

func TestQueue_UnknownTicket(t *testing.T) {
	q := NewQueue(time.Hour)
	if _, err := q.Resolve("nope", Resolution{Granted: true}); !errors.Is(err, ErrUnknownTicket) {
		t.Errorf("expected ErrUnknownTicket, got %v", err)
	}
}

func TestQueue_Expire(t *testing.T) {
	q := NewQueue(time.Minute)
	ticket := q.Submit("sess", "main", 1, CapShellExec, "shell.exec", nil)

	if expired := q.Expire(time.Now()); len(expired) != 0 {
		t.Errorf("fresh ticket should not expire, got %d", len(expired))
	}

	expired := q.Expire(time.Now().Add(2 * time.Minute))
	if len(expired) != 1 || expired[0].ID != ticket.ID {
		t.Fatalf("expected one expired ticket, got %d", len(expired))
	}
	got, _ := q.Get(ticket.ID)
	if got.Status != TicketExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}

	// Expired is terminal.
	if _, err := q.Resolve(ticket.ID, Resolution{Granted: true}); !errors.Is(err, ErrTicketTerminal) {
		t.Errorf("expected ErrTicketTerminal, got %v", err)
	}
}

func TestQueue_PendingPerSession(t *testing.T) {
	q := NewQueue(time.Hour)
	q.Submit("a", "main", 1, CapFSWrite, "fs.write", nil)
	q.Submit("a", "main", 2, CapShellExec, "shell.exec", nil)
	b := q.Submit("b", "main", 1, CapFSWrite, "fs.write", nil)
	q.Resolve(b.ID, Resolution{Granted: true})

	if got := len(q.Pending("a")); got != 2 {
		t.Errorf("expected 2 pending for session a, got %d", got)
	}
	if got := len(q.Pending("b")); got != 0 {
		t.Errorf("expected 0 pending for session b, got %d", got)
	}

	pending := q.Pending("a")
	if pending[0].RequestingSequence != 1 {
		t.Error("pending tickets should be ordered oldest first")
	}
}

func TestQueue_RestoreDoesNotClobber(t *testing.T) {
	q := NewQueue(time.Hour)
	ticket := q.Submit("sess", "main", 1, CapFSWrite, "fs.write", nil)
	q.Resolve(ticket.ID, Resolution{Granted: true})

	// A recovery replay must not resurrect a resolved ticket.
	q.Restore(&Ticket{ID: ticket.ID, SessionID: "sess", Status: TicketPending})
	got, _ := q.Get(ticket.ID)
	if got.Status != TicketGranted {
		t.Errorf("restore clobbered a live ticket: %s", got.Status)
	}

	q.Restore(&Ticket{ID: "restored", SessionID: "sess", BranchID: "main", Status: TicketPending, CreatedAt: time.Now()})
	if len(q.Pending("sess")) != 1 {
		t.Error("restored pending ticket should be visible")
	}
}
