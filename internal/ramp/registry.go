package ramp

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// VU is one simulated user. Ids start at 1 and freed ids are reused lowest first.
type VU struct {
	ID       int
	Username string
	// Leaving is called by a session that starts closing on its own. Its id
	// and place go to a replacement while the old socket drains.
	Leaving func()
}

type slot struct {
	vu       VU
	worker   Worker
	started  time.Time
	seq      uint64
	retiring bool
	draining bool
}

// idHeap is a min-heap of freed VU ids.
type idHeap []int

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// registry tracks live sessions for the controller and the session goroutines.
type registry struct {
	mu       sync.Mutex
	slots    map[int]*slot
	draining map[*slot]struct{}
	free     idHeap
	next     int
	seq      uint64
}

func newRegistry() *registry {
	return &registry{slots: make(map[int]*slot), draining: make(map[*slot]struct{}), next: 1}
}

func (r *registry) acquireID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.free.Len() > 0 {
		return heap.Pop(&r.free).(int)
	}
	id := r.next
	r.next++
	return id
}

// releaseID returns an id that was acquired but never added.
func (r *registry) releaseID(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	heap.Push(&r.free, id)
}

func (r *registry) add(vu VU, w Worker) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	s := &slot{vu: vu, worker: w, started: time.Now(), seq: r.seq}
	r.slots[vu.ID] = s
	return s
}

func (r *registry) remove(s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.draining {
		delete(r.draining, s)
		return
	}
	if cur, ok := r.slots[s.vu.ID]; !ok || cur != s {
		return
	}
	delete(r.slots, s.vu.ID)
	heap.Push(&r.free, s.vu.ID)
}

// leave moves a live slot that is closing on its own to the draining set and
// frees its id. It reports false for slots already retired or gone.
func (r *registry) leave(s *slot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.slots[s.vu.ID]; !ok || cur != s || s.retiring {
		return false
	}
	delete(r.slots, s.vu.ID)
	heap.Push(&r.free, s.vu.ID)
	s.draining = true
	r.draining[s] = struct{}{}
	return true
}

// counts returns (live, closing): sessions the ramp still counts and those
// already closing, retired or draining.
func (r *registry) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, closing := 0, len(r.draining)
	for _, s := range r.slots {
		if s.retiring {
			closing++
		} else {
			live++
		}
	}
	return live, closing
}

// held is the number of slots holding an id: live plus retired ones.
func (r *registry) held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// retireNewest marks the n most recently started live slots as retiring and returns them.
func (r *registry) retireNewest(n int) []*slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		if !s.retiring {
			live = append(live, s)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq > live[j].seq })
	if n > len(live) {
		n = len(live)
	}
	picked := live[:n]
	for _, s := range picked {
		s.retiring = true
	}
	return picked
}

// retireAll marks every slot retiring and returns all slots, including ones
// retired earlier and draining ones.
func (r *registry) retireAll() []*slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*slot, 0, len(r.slots)+len(r.draining))
	for _, s := range r.slots {
		s.retiring = true
		all = append(all, s)
	}
	for s := range r.draining {
		all = append(all, s)
	}
	return all
}
