package session

import (
	"sync"

	"github.com/nekocode/agent-team/acp"
	"github.com/nekocode/agent-team/protocol"
)

// PendingPermission is one agent-initiated approval waiting on the
// operator. The callback goroutine blocks on reply until a client resolves
// it or the queue is closed.
type PendingPermission struct {
	ID       string
	ToolInfo string
	Options  []acp.PermissionOption
	// reply carries the selected option id; "" means rejected without a
	// selectable option (a Cancel resolves every entry this way). Closed
	// without a send when the queue is closed at restart or shutdown.
	reply chan string
}

// PermissionQueue holds pending permissions in arrival order. A closed
// queue rejects new entries, which keeps late callbacks from blocking
// during shutdown.
type PermissionQueue struct {
	mu     sync.Mutex
	items  []*PendingPermission
	closed bool
}

// NewPermissionQueue creates an open queue.
func NewPermissionQueue() *PermissionQueue {
	return &PermissionQueue{}
}

// Add enqueues a pending permission and returns false if the queue is
// closed.
func (q *PermissionQueue) Add(p *PendingPermission) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, p)
	return true
}

// Len returns the number of pending entries.
func (q *PermissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HeadID returns the id at the front of the queue, or "".
func (q *PermissionQueue) HeadID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ""
	}
	return q.items[0].ID
}

// Resolve answers pending permissions. With all set, every entry is
// resolved; with an id, only that entry; with neither, the head of the
// queue. choose maps an entry's options to the option id to send ("" for
// reject-without-option). Returns how many entries were resolved.
func (q *PermissionQueue) Resolve(id string, all bool, choose func([]acp.PermissionOption) string) int {
	q.mu.Lock()
	var resolved []*PendingPermission
	var remaining []*PendingPermission
	for i, p := range q.items {
		switch {
		case all:
			resolved = append(resolved, p)
		case id != "" && p.ID == id:
			resolved = append(resolved, p)
		case id == "" && i == 0:
			resolved = append(resolved, p)
		default:
			remaining = append(remaining, p)
		}
	}
	q.items = remaining
	q.mu.Unlock()

	for _, p := range resolved {
		p.reply <- choose(p.Options)
		close(p.reply)
	}
	return len(resolved)
}

// Close rejects every pending entry and refuses new ones. Blocked
// callbacks wake with a rejection.
func (q *PermissionQueue) Close() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.closed = true
	q.mu.Unlock()

	for _, p := range items {
		close(p.reply)
	}
}

// Reopen clears the closed flag after a restart.
func (q *PermissionQueue) Reopen() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

// ChooseOption maps a protocol-level Approve/Deny choice to the option id
// to select from the agent's offered options. Approvals fall back to any
// allow option, then the first option; rejections fall back to "" which
// becomes a cancelled outcome.
func ChooseOption(choice string) func([]acp.PermissionOption) string {
	var wantKind string
	approve := false
	switch choice {
	case protocol.ChoiceAllowOnce:
		wantKind, approve = acp.OptionAllowOnce, true
	case protocol.ChoiceAllowAlways:
		wantKind, approve = acp.OptionAllowAlways, true
	case protocol.ChoiceReject:
		wantKind = acp.OptionRejectOnce
	case protocol.ChoiceRejectAlways:
		wantKind = acp.OptionRejectAlways
	default:
		wantKind, approve = acp.OptionAllowOnce, true
	}

	return func(options []acp.PermissionOption) string {
		for _, opt := range options {
			if opt.Kind == wantKind {
				return opt.OptionID
			}
		}
		if !approve {
			return ""
		}
		for _, opt := range options {
			if opt.Kind == acp.OptionAllowOnce || opt.Kind == acp.OptionAllowAlways {
				return opt.OptionID
			}
		}
		if len(options) > 0 {
			return options[0].OptionID
		}
		return ""
	}
}
