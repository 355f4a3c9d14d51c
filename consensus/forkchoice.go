package consensus

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/tolelom/poschain/core"
)

// Status is a block's position in the fork-choice state machine:
// Proposed -> Validated -> CanonicalCandidate -> Finalized, or
// Proposed -> Rejected.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusProposed
	StatusValidated
	StatusCanonicalCandidate
	StatusFinalized
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusProposed:
		return "proposed"
	case StatusValidated:
		return "validated"
	case StatusCanonicalCandidate:
		return "canonical_candidate"
	case StatusFinalized:
		return "finalized"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// node is one block in the tree arena. parent and children are arena
// indexes; weight is the producer stake accumulated from the root.
type node struct {
	hash     string
	height   uint64
	parent   int
	children []int
	weight   uint256.Int
	status   Status
}

// Update reports how an insertion changed the canonical chain.
type Update struct {
	Head    string
	OldHead string
	Reorg   bool
	// CanonicalFrom is the height of Canonical[0].
	CanonicalFrom uint64
	// Canonical lists the blocks that became canonical, oldest first.
	Canonical []string
	// Orphaned lists the blocks that left the canonical chain.
	Orphaned []string
	// Finalized lists newly finalized blocks, oldest first.
	Finalized []string
	// Pruned lists side-branch blocks dropped by finalization.
	Pruned []string
}

// ForkChoice is the block tree. The canonical head is the validated leaf
// with the greatest cumulative producer stake; equal weights go to the
// smaller hash. A block with Depth canonical descendants is finalized and
// the tree is re-rooted there.
type ForkChoice struct {
	mu        sync.RWMutex
	depth     uint64
	nodes     []node
	index     map[string]int
	rejected  map[string]struct{}
	retired   map[string]struct{} // finalized ancestors and pruned branches
	head      int
	finalized int
}

// NewForkChoice returns a tree rooted at the finalized block root.
func NewForkChoice(root *core.Block, depth uint64) *ForkChoice {
	f := &ForkChoice{
		depth:    depth,
		index:    make(map[string]int),
		rejected: make(map[string]struct{}),
		retired:  make(map[string]struct{}),
	}
	f.nodes = append(f.nodes, node{
		hash:   root.Hash(),
		height: root.Header.Height,
		parent: -1,
		status: StatusFinalized,
	})
	f.index[root.Hash()] = 0
	return f
}

// Depth returns the confirmation depth.
func (f *ForkChoice) Depth() uint64 { return f.depth }

// Check tells whether b may be considered at all. A block that builds on
// a branch finality has passed by, or sits at or below the finalized
// height, is a ConsensusViolation regardless of its weight.
func (f *ForkChoice) Check(b *core.Block) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.check(b)
}

func (f *ForkChoice) check(b *core.Block) error {
	hash := b.Hash()
	if _, ok := f.index[hash]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateBlock, hash)
	}
	if _, ok := f.retired[hash]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateBlock, hash)
	}
	if _, ok := f.rejected[hash]; ok {
		return fmt.Errorf("%w: %s was rejected before", core.ErrInvalidBlock, hash)
	}
	fin := f.nodes[f.finalized]
	parent := b.Header.ParentHash
	if _, ok := f.retired[parent]; ok || b.Header.Height <= fin.height {
		return fmt.Errorf("%w: block %s at height %d conflicts with finalized block %s at height %d",
			core.ErrConsensusViolation, hash, b.Header.Height, fin.hash, fin.height)
	}
	if _, ok := f.rejected[parent]; ok {
		return fmt.Errorf("%w: parent %s was rejected", core.ErrInvalidBlock, parent)
	}
	i, ok := f.index[parent]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownParent, parent)
	}
	if f.nodes[i].status == StatusProposed {
		return fmt.Errorf("%w: parent %s not validated yet", core.ErrUnknownParent, parent)
	}
	if b.Header.Height != f.nodes[i].height+1 {
		return fmt.Errorf("%w: height %d after parent %d", core.ErrInvalidBlock, b.Header.Height, f.nodes[i].height)
	}
	return nil
}

// Propose records b as received and about to be validated.
func (f *ForkChoice) Propose(b *core.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(b); err != nil {
		return err
	}
	hash := b.Hash()
	p := f.index[b.Header.ParentHash]
	f.nodes = append(f.nodes, node{
		hash:   hash,
		height: b.Header.Height,
		parent: p,
		status: StatusProposed,
	})
	idx := len(f.nodes) - 1
	f.nodes[p].children = append(f.nodes[p].children, idx)
	f.index[hash] = idx
	return nil
}

// Reject marks a proposed block as invalid and drops it from the tree.
func (f *ForkChoice) Reject(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[hash] = struct{}{}
	i, ok := f.index[hash]
	if !ok || f.nodes[i].status != StatusProposed {
		return
	}
	f.nodes[i].status = StatusRejected
	delete(f.index, hash)
	p := f.nodes[i].parent
	kids := f.nodes[p].children[:0]
	for _, c := range f.nodes[p].children {
		if c != i {
			kids = append(kids, c)
		}
	}
	f.nodes[p].children = kids
}

// Accept marks a proposed block valid with its producer's stake and
// recomputes head and finality.
func (f *ForkChoice) Accept(hash string, producerStake uint64) (*Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.index[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s was never proposed", core.ErrUnknownParent, hash)
	}
	n := &f.nodes[i]
	if n.status != StatusProposed {
		return nil, fmt.Errorf("%w: %s", core.ErrDuplicateBlock, hash)
	}
	if producerStake == 0 {
		producerStake = 1
	}
	n.weight.Add(&f.nodes[n.parent].weight, uint256.NewInt(producerStake))
	n.status = StatusValidated

	up := &Update{OldHead: f.nodes[f.head].hash}
	if f.better(i, f.head) {
		f.setHead(i, up)
	}
	up.Head = f.nodes[f.head].hash
	f.advanceFinality(up)
	return up, nil
}

func (f *ForkChoice) better(a, b int) bool {
	if c := f.nodes[a].weight.Cmp(&f.nodes[b].weight); c != 0 {
		return c > 0
	}
	return f.nodes[a].hash < f.nodes[b].hash
}

// setHead moves the head to i, updating statuses along the old and new
// canonical paths.
func (f *ForkChoice) setHead(i int, up *Update) {
	onNew := make(map[int]bool)
	var path []int
	cur := i
	for cur != -1 && f.nodes[cur].status != StatusCanonicalCandidate && f.nodes[cur].status != StatusFinalized {
		onNew[cur] = true
		path = append(path, cur)
		cur = f.nodes[cur].parent
	}
	ancestor := cur

	for old := f.head; old != ancestor && old != -1; old = f.nodes[old].parent {
		if f.nodes[old].status == StatusCanonicalCandidate && !onNew[old] {
			f.nodes[old].status = StatusValidated
			up.Orphaned = append(up.Orphaned, f.nodes[old].hash)
		}
	}
	up.Reorg = len(up.Orphaned) > 0

	for k := len(path) - 1; k >= 0; k-- {
		f.nodes[path[k]].status = StatusCanonicalCandidate
		up.Canonical = append(up.Canonical, f.nodes[path[k]].hash)
	}
	if len(path) > 0 {
		up.CanonicalFrom = f.nodes[path[len(path)-1]].height
	}
	f.head = i
}

// advanceFinality finalizes the canonical block Depth below the head and
// prunes everything that does not descend from it.
func (f *ForkChoice) advanceFinality(up *Update) {
	head := f.nodes[f.head]
	fin := f.nodes[f.finalized]
	if head.height < fin.height+f.depth+1 {
		return
	}
	target := f.head
	for k := uint64(0); k < f.depth; k++ {
		target = f.nodes[target].parent
	}
	var newly []int
	for cur := target; cur != f.finalized; cur = f.nodes[cur].parent {
		newly = append(newly, cur)
	}
	for k := len(newly) - 1; k >= 0; k-- {
		f.nodes[newly[k]].status = StatusFinalized
		up.Finalized = append(up.Finalized, f.nodes[newly[k]].hash)
	}
	f.reroot(target, up)
}

// reroot rebuilds the arena so that it only holds root and its
// descendants. Everything else is retired.
func (f *ForkChoice) reroot(root int, up *Update) {
	keep := make(map[int]bool)
	queue := []int{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		keep[cur] = true
		queue = append(queue, f.nodes[cur].children...)
	}
	for i := range f.nodes {
		n := &f.nodes[i]
		if keep[i] || n.status == StatusRejected {
			continue
		}
		f.retired[n.hash] = struct{}{}
		if n.status != StatusFinalized {
			up.Pruned = append(up.Pruned, n.hash)
		}
	}

	remap := make(map[int]int, len(keep))
	nodes := make([]node, 0, len(keep))
	order := []int{root}
	for len(order) > 0 {
		cur := order[0]
		order = order[1:]
		remap[cur] = len(nodes)
		nodes = append(nodes, f.nodes[cur])
		order = append(order, f.nodes[cur].children...)
	}
	index := make(map[string]int, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if i == 0 {
			n.parent = -1
		} else {
			n.parent = remap[n.parent]
		}
		kids := make([]int, len(n.children))
		for k, c := range n.children {
			kids[k] = remap[c]
		}
		n.children = kids
		index[n.hash] = i
	}
	f.head = remap[f.head]
	f.nodes = nodes
	f.index = index
	f.finalized = 0
}

// Head returns the canonical head hash and height.
func (f *ForkChoice) Head() (string, uint64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := f.nodes[f.head]
	return n.hash, n.height
}

// Finalized returns the latest finalized hash and height.
func (f *ForkChoice) Finalized() (string, uint64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := f.nodes[f.finalized]
	return n.hash, n.height
}

// Status returns the status of hash.
func (f *ForkChoice) Status(hash string) Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i, ok := f.index[hash]; ok {
		return f.nodes[i].status
	}
	if _, ok := f.rejected[hash]; ok {
		return StatusRejected
	}
	return StatusUnknown
}

// Weight returns the cumulative weight of hash, or nil if unknown.
func (f *ForkChoice) Weight(hash string) *uint256.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	i, ok := f.index[hash]
	if !ok {
		return nil
	}
	w := f.nodes[i].weight
	return &w
}

// Len returns the number of blocks in the tree.
func (f *ForkChoice) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.index)
}
