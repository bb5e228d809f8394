package torch_loader

import (
	"sort"

	"golang.org/x/exp/maps"
)

// LoadMap groups the pending tensors by storage member,
// every group is ordered by element offset, then by key.
type LoadMap map[string][]PendingTensor

// MakeLoadMap groups the given tensors.
func MakeLoadMap(tds map[string]TensorDescriptor) LoadMap {
	lm := LoadMap{}
	keys := maps.Keys(tds)
	sort.Strings(keys)
	for _, k := range keys {
		td := tds[k]
		lm[td.Storage.Member] = append(lm[td.Storage.Member], PendingTensor{Key: k, Descriptor: td})
	}
	for _, g := range lm {
		sort.SliceStable(g, func(i, j int) bool {
			return g[i].Descriptor.Offset < g[j].Descriptor.Offset
		})
	}
	return lm
}

// Take removes and returns the group of the given member.
func (lm LoadMap) Take(member string) ([]PendingTensor, bool) {
	g, ok := lm[member]
	if ok {
		delete(lm, member)
	}
	return g, ok
}

// Remaining returns the members not taken yet, sorted.
func (lm LoadMap) Remaining() []string {
	r := maps.Keys(lm)
	sort.Strings(r)
	return r
}

// CountTensors returns the count of pending tensors in all groups.
func (lm LoadMap) CountTensors() int {
	var n int
	for _, g := range lm {
		n += len(g)
	}
	return n
}
