package ingest

import (
	"container/heap"
	"sort"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// orderResult is a parent-first permutation of a batch's symbols
type orderResult struct {
	Symbols         []types.Symbol
	OrphanedParents int
	CyclesBroken    int
}

// orderSymbols returns symbols so that every symbol follows its in-batch
// parent, keeping input order wherever the constraint allows it.
//
// Parent references that resolve neither in the batch nor through inStore
// are nulled. A parent cycle is broken by nulling the parent of its
// lexically smallest id. symbols is not modified.
func orderSymbols(symbols []types.Symbol, inStore func(id string) (bool, error)) (*orderResult, error) {
	n := len(symbols)
	res := &orderResult{Symbols: make([]types.Symbol, 0, n)}
	work := make([]types.Symbol, n)
	copy(work, symbols)

	index := make(map[string]int, n)
	for i := range work {
		index[work[i].ID] = i
	}

	// parent[i] is the batch index of i's parent, or -1
	parent := make([]int, n)
	children := make([][]int, n)
	for i := range work {
		parent[i] = -1
		if !work[i].HasParent() {
			work[i].ParentID = nil
			continue
		}
		pid := *work[i].ParentID
		if pid == work[i].ID {
			work[i].ParentID = nil
			res.CyclesBroken++
			continue
		}
		if j, ok := index[pid]; ok {
			parent[i] = j
			children[j] = append(children[j], i)
			continue
		}
		ok, err := inStore(pid)
		if err != nil {
			return nil, err
		}
		if !ok {
			work[i].ParentID = nil
			res.OrphanedParents++
		}
	}

	placed := make([]bool, n)
	ready := &indexHeap{}
	for i := range work {
		if parent[i] < 0 {
			heap.Push(ready, i)
		}
	}

	for len(res.Symbols) < n {
		for ready.Len() > 0 {
			i := heap.Pop(ready).(int)
			if placed[i] {
				continue
			}
			placed[i] = true
			res.Symbols = append(res.Symbols, work[i])
			for _, c := range children[i] {
				// a broken cycle edge no longer counts
				if parent[c] == i {
					heap.Push(ready, c)
				}
			}
		}
		if len(res.Symbols) == n {
			break
		}

		// everything left sits on or below a cycle
		victim := smallestOnCycle(work, parent, placed)
		work[victim].ParentID = nil
		parent[victim] = -1
		res.CyclesBroken++
		heap.Push(ready, victim)
	}

	return res, nil
}

// smallestOnCycle returns the unplaced symbol with the smallest id among
// those whose parent chain leads back to themselves.
func smallestOnCycle(work []types.Symbol, parent []int, placed []bool) int {
	remaining := make([]int, 0)
	for i := range work {
		if !placed[i] {
			remaining = append(remaining, i)
		}
	}
	sort.Slice(remaining, func(a, b int) bool { return work[remaining[a]].ID < work[remaining[b]].ID })

	for _, start := range remaining {
		cur := parent[start]
		for steps := 0; cur >= 0 && steps < len(remaining); steps++ {
			if cur == start {
				return start
			}
			cur = parent[cur]
		}
	}
	// not reached: every unplaced node has an unplaced ancestor on a cycle
	return remaining[0]
}

// indexHeap pops the smallest batch index first
type indexHeap []int

func (h indexHeap) Len() int            { return len(h) }
func (h indexHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
