package resource

import "container/heap"

// cleanupQueue is a heap of pending entries: highest priority first, then lowest seq.
type cleanupQueue []*entry

var _ heap.Interface = (*cleanupQueue)(nil)

func (q cleanupQueue) Len() int { return len(q) }

func (q cleanupQueue) Less(i, j int) bool {
	if q[i].info.Priority != q[j].info.Priority {
		return q[i].info.Priority > q[j].info.Priority
	}
	return q[i].seq < q[j].seq
}

func (q cleanupQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *cleanupQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *cleanupQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
