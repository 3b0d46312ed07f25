package broker

import (
	"strings"
	"time"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

// WaitingEntry is a client waiting for a partner.
type WaitingEntry struct {
	Identity  string
	Interests []string
	Mode      models.Mode
	QueuedAt  time.Time

	interestSet map[string]struct{}
}

func newWaitingEntry(identity string, interests []string, mode models.Mode, now time.Time) *WaitingEntry {
	normalized := NormalizeInterests(interests)
	set := make(map[string]struct{}, len(normalized))
	for _, in := range normalized {
		set[in] = struct{}{}
	}
	return &WaitingEntry{
		Identity:    identity,
		Interests:   normalized,
		Mode:        mode,
		QueuedAt:    now,
		interestSet: set,
	}
}

// sharedWith counts how many of interests (already normalized) the entry has.
func (e *WaitingEntry) sharedWith(interests []string) int {
	score := 0
	for _, in := range interests {
		if _, ok := e.interestSet[in]; ok {
			score++
		}
	}
	return score
}

// NormalizeInterests trims and lower-cases each interest, dropping empty
// strings and duplicates while keeping first-seen order.
func NormalizeInterests(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, in := range raw {
		v := strings.ToLower(strings.TrimSpace(in))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Queue is the FIFO waiting list. It is not safe for concurrent use; the
// Broker owns it and serializes access.
type Queue struct {
	entries []*WaitingEntry
	index   map[string]struct{}
}

func NewQueue() *Queue {
	return &Queue{index: make(map[string]struct{})}
}

// Enqueue appends e unless its identity is already waiting.
func (q *Queue) Enqueue(e *WaitingEntry) bool {
	if _, ok := q.index[e.Identity]; ok {
		return false
	}
	q.entries = append(q.entries, e)
	q.index[e.Identity] = struct{}{}
	return true
}

func (q *Queue) Contains(identity string) bool {
	_, ok := q.index[identity]
	return ok
}

// Remove drops identity from the queue, reporting whether it was present.
func (q *Queue) Remove(identity string) bool {
	if !q.Contains(identity) {
		return false
	}
	for i, e := range q.entries {
		if e.Identity == identity {
			q.removeAt(i)
			return true
		}
	}
	return false
}

func (q *Queue) Len() int { return len(q.entries) }

// Identities lists waiting identities in queue order.
func (q *Queue) Identities() []string {
	out := make([]string, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Identity
	}
	return out
}

func (q *Queue) removeAt(i int) *WaitingEntry {
	e := q.entries[i]
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
	delete(q.index, e.Identity)
	return e
}
