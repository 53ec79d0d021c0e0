package tube

import "tubebroker/internal/job"

// delayedHeap orders delayed jobs by ReadyAt, earliest first, so the job
// nearest promotion is always at the front of the heap.
type delayedHeap []*job.Job

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool { return h[i].ReadyAt.Before(h[j].ReadyAt) }

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].SetHeapIndex(i)
	h[j].SetHeapIndex(j)
}

func (h *delayedHeap) Push(x any) {
	j := x.(*job.Job)
	j.SetHeapIndex(len(*h))
	*h = append(*h, j)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	j.SetHeapIndex(-1)
	return j
}
