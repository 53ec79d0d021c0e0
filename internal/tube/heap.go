package tube

import "tubebroker/internal/job"

// readyHeap orders ready jobs by (priority, seq): lower priority number
// first (urgent jobs run first), ties broken by lower Seq (put order). It
// implements container/heap.Interface; no priority-queue library is used
// anywhere in the reference pack, so this is the idiomatic tool here.
type readyHeap []*job.Job

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].SetHeapIndex(i)
	h[j].SetHeapIndex(j)
}

func (h *readyHeap) Push(x any) {
	j := x.(*job.Job)
	j.SetHeapIndex(len(*h))
	*h = append(*h, j)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	j.SetHeapIndex(-1)
	return j
}
