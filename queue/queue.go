package queue

import (
	"cmp"
	"slices"

	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

type entry struct {
	id  id.TaskID
	seq uint64
}

// PriorityQueue orders ready task ids by tier, then by sequence.
type PriorityQueue struct {
	tiers [task.NumPriorities][]entry
	index map[id.TaskID]task.Priority
	seqs  map[id.TaskID]uint64
}

// New returns an empty queue.
func New() *PriorityQueue {
	return &PriorityQueue{
		index: make(map[id.TaskID]task.Priority),
		seqs:  make(map[id.TaskID]uint64),
	}
}

func bySeq(e entry, seq uint64) int { return cmp.Compare(e.seq, seq) }

// Push adds a task id to a tier. Pushing an id already queued is a no-op.
// Sequences normally arrive in increasing order; an older sequence is
// inserted at its ordered position.
func (q *PriorityQueue) Push(tid id.TaskID, tier task.Priority, seq uint64) {
	if _, ok := q.index[tid]; ok {
		return
	}
	if !tier.Valid() {
		tier = task.PriorityNormal
	}
	t := q.tiers[tier]
	e := entry{id: tid, seq: seq}
	if n := len(t); n == 0 || t[n-1].seq <= seq {
		q.tiers[tier] = append(t, e)
	} else {
		pos, _ := slices.BinarySearchFunc(t, seq, bySeq)
		q.tiers[tier] = slices.Insert(t, pos, e)
	}
	q.index[tid] = tier
	q.seqs[tid] = seq
}

// PopReady removes and returns the first id, highest tier first, for which
// match returns true. A nil match accepts every id.
func (q *PriorityQueue) PopReady(match func(id.TaskID) bool) (id.TaskID, bool) {
	for tier := task.NumPriorities - 1; tier >= 0; tier-- {
		for i, e := range q.tiers[tier] {
			if match != nil && !match(e.id) {
				continue
			}
			q.tiers[tier] = slices.Delete(q.tiers[tier], i, i+1)
			delete(q.index, e.id)
			delete(q.seqs, e.id)
			return e.id, true
		}
	}
	return "", false
}

// Peek returns the id PopReady(nil) would return without removing it.
func (q *PriorityQueue) Peek() (id.TaskID, bool) {
	for tier := task.NumPriorities - 1; tier >= 0; tier-- {
		if len(q.tiers[tier]) > 0 {
			return q.tiers[tier][0].id, true
		}
	}
	return "", false
}

// Remove drops an id from the queue. It reports whether the id was queued.
func (q *PriorityQueue) Remove(tid id.TaskID) bool {
	tier, ok := q.index[tid]
	if !ok {
		return false
	}
	t := q.tiers[tier]
	seq := q.seqs[tid]
	pos, found := slices.BinarySearchFunc(t, seq, bySeq)
	if found {
		// Equal sequences are possible after a restore; scan the run.
		for pos < len(t) && t[pos].seq == seq && t[pos].id != tid {
			pos++
		}
	}
	if !found || pos >= len(t) || t[pos].id != tid {
		pos = slices.IndexFunc(t, func(e entry) bool { return e.id == tid })
	}
	q.tiers[tier] = slices.Delete(t, pos, pos+1)
	delete(q.index, tid)
	delete(q.seqs, tid)
	return true
}

// Contains reports whether tid is queued.
func (q *PriorityQueue) Contains(tid id.TaskID) bool {
	_, ok := q.index[tid]
	return ok
}

// Len returns the number of queued ids.
func (q *PriorityQueue) Len() int { return len(q.index) }

// LenTier returns the number of ids queued in one tier.
func (q *PriorityQueue) LenTier(p task.Priority) int {
	if !p.Valid() {
		return 0
	}
	return len(q.tiers[p])
}

// IDs returns every queued id in dispatch order.
func (q *PriorityQueue) IDs() []id.TaskID {
	out := make([]id.TaskID, 0, q.Len())
	for tier := task.NumPriorities - 1; tier >= 0; tier-- {
		for _, e := range q.tiers[tier] {
			out = append(out, e.id)
		}
	}
	return out
}

// Reset empties the queue.
func (q *PriorityQueue) Reset() {
	for i := range q.tiers {
		q.tiers[i] = nil
	}
	clear(q.index)
	clear(q.seqs)
}
