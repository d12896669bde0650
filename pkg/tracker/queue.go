package tracker

import (
	"container/heap"
)

type item struct {
	id       string
	priority int
	seq      uint64
	index    int
}

// queue orders pending deployments by priority, highest first, then by arrival.
type queue struct {
	items []*item
	byID  map[string]*item
	seq   uint64
}

var _ heap.Interface = &queue{}

func newQueue() *queue {
	return &queue{byID: make(map[string]*item)}
}

func (q *queue) Len() int {
	return len(q.items)
}

func (q *queue) Less(i, j int) bool {
	if q.items[i].priority != q.items[j].priority {
		return q.items[i].priority > q.items[j].priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *queue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(q.items)
	q.items = append(q.items, it)
}

func (q *queue) Pop() any {
	n := len(q.items)
	it := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	it.index = -1
	return it
}

func (q *queue) add(id string, priority int) {
	q.seq++
	it := &item{id: id, priority: priority, seq: q.seq}
	q.byID[id] = it
	heap.Push(q, it)
}

// next returns the id of the most urgent deployment, or an empty string.
func (q *queue) next() string {
	if q.Len() == 0 {
		return ""
	}
	it := heap.Pop(q).(*item)
	delete(q.byID, it.id)
	return it.id
}

func (q *queue) remove(id string) bool {
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, it.index)
	delete(q.byID, id)
	return true
}
