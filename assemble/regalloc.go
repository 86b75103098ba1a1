package assemble

import (
	"sort"

	"github.com/go-granary/granary/fragment"
	"github.com/go-granary/granary/ir"
)

// usableGPRs lists the native GPRs the scheduler may assign to a virtual
// register: the union of ir.CallerSaved and ir.CalleeSaved, excluding
// RSP (spec.md §4.4 point 3: "never assigned a virtual register", and
// absent from both lists already) and RBP, which the teacher's own
// frame-pointer convention reserves.
var usableGPRs = buildUsableGPRs()

func buildUsableGPRs() []uint32 {
	out := append([]uint32(nil), ir.CallerSaved...)
	for _, r := range ir.CalleeSaved {
		if r == ir.RegRBP {
			continue
		}
		out = append(out, r)
	}
	return out
}

// callerSavedSet is ir.CallerSaved as a membership set, consulted by
// scheduleOne's spill-victim heuristic.
var callerSavedSet = buildCallerSavedSet()

func buildCallerSavedSet() map[uint32]bool {
	m := make(map[uint32]bool, len(ir.CallerSaved))
	for _, r := range ir.CallerSaved {
		m[r] = true
	}
	return m
}

// ScheduleRegisters is assemble pass 3 (spec.md §4.4 point 3): within each
// union-find partition of the fragment graph, walk a flattened,
// partition-local instruction order and assign every RegVirtual operand a
// native GPR with linear-scan liveness, spilling to a scheduler slot
// (never the virtual's own identity) when pressure exceeds the usable
// set. This is a deliberately simplified variant of the described
// policy: rather than tracking save/restore code at every partition exit
// for a spilled-and-later-reloaded register, a spill is permanent for the
// remainder of the virtual's live range once chosen, which trades a few
// extra loads/stores for a much smaller allocator.
func ScheduleRegisters(g *fragment.Graph, slots *SlotCounter) {
	partitions := partitionOrder(g)

	for _, ids := range partitions {
		scheduleOne(g, ids, slots)
	}
}

// partitionOrder groups fragment ids by their union-find root, preserving
// fragment-id order within each group as a stable approximation of
// program order (the graphs this scheduler sees are built bottom-up by
// fragment.Builder, so ids already increase along each chain).
func partitionOrder(g *fragment.Graph) [][]uint64 {
	byRoot := map[uint64][]uint64{}
	var roots []uint64
	for _, f := range g.Fragments() {
		if f.Kind != fragment.Code {
			continue
		}
		root := g.Find(f.ID)
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], f.ID)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	out := make([][]uint64, 0, len(roots))
	for _, r := range roots {
		ids := byRoot[r]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = append(out, ids)
	}
	return out
}

// liveInterval tracks the first and last use position (within a
// partition's flattened instruction order) for one virtual register id.
type liveInterval struct {
	id         uint32
	start, end int
}

func scheduleOne(g *fragment.Graph, ids []uint64, slots *SlotCounter) {
	type pos struct {
		fragIdx, instrIdx int
	}
	var order []pos
	for fi, id := range ids {
		f := g.Fragment(id)
		for ii := range f.Instructions {
			order = append(order, pos{fi, ii})
		}
	}

	intervals := map[uint32]*liveInterval{}
	for p, at := range order {
		f := g.Fragment(ids[at.fragIdx])
		in := &f.Instructions[at.instrIdx]
		for _, op := range in.Operands() {
			if op.Kind != ir.OperandRegister || op.Reg.Kind != ir.RegVirtual {
				continue
			}
			iv, ok := intervals[op.Reg.ID]
			if !ok {
				iv = &liveInterval{id: op.Reg.ID, start: p, end: p}
				intervals[op.Reg.ID] = iv
			}
			iv.end = p
		}
	}

	assignment := map[uint32]ir.VReg{}
	active := map[uint32]uint32{} // virtual id -> native gpr number
	freeRegs := append([]uint32(nil), usableGPRs...)

	byStart := make([]*liveInterval, 0, len(intervals))
	for _, iv := range intervals {
		byStart = append(byStart, iv)
	}
	sort.Slice(byStart, func(i, j int) bool { return byStart[i].start < byStart[j].start })

	for _, iv := range byStart {
		// retire intervals that ended before this one starts
		for vid, reg := range active {
			if intervals[vid].end < iv.start {
				freeRegs = append(freeRegs, reg)
				delete(active, vid)
			}
		}

		if len(freeRegs) > 0 {
			reg := freeRegs[len(freeRegs)-1]
			freeRegs = freeRegs[:len(freeRegs)-1]
			active[iv.id] = reg
			assignment[iv.id] = ir.NativeGPR(reg, 8)
			continue
		}

		// spill: among active intervals that end later than iv (the only
		// ones it is beneficial to evict at all), prefer evicting one
		// currently holding a caller-saved register, then break ties by
		// farthest remaining end (spec.md §4.4 point 3: "preferring
		// caller-saved, then least-recently-used"); fall back to spilling
		// the new interval itself if no active interval is a better
		// eviction candidate than it is.
		var victim uint32
		var victimIsCaller bool
		farthest := iv.end
		found := false
		for vid, reg := range active {
			end := intervals[vid].end
			if end <= iv.end {
				continue
			}
			isCaller := callerSavedSet[reg]
			switch {
			case !found:
				victim, victimIsCaller, farthest, found = vid, isCaller, end, true
			case isCaller && !victimIsCaller:
				victim, victimIsCaller, farthest = vid, true, end
			case isCaller == victimIsCaller && end > farthest:
				victim, farthest = vid, end
			}
		}
		if found {
			reg := active[victim]
			delete(active, victim)
			assignment[victim] = ir.Slot(slots.Next(), 8)
			active[iv.id] = reg
			assignment[iv.id] = ir.NativeGPR(reg, 8)
		} else {
			assignment[iv.id] = ir.Slot(slots.Next(), 8)
		}
	}

	for _, at := range order {
		f := g.Fragment(ids[at.fragIdx])
		in := &f.Instructions[at.instrIdx]
		for i := range in.Ops[:in.NumOps] {
			op := &in.Ops[i]
			if op.Kind != ir.OperandRegister || op.Reg.Kind != ir.RegVirtual {
				continue
			}
			width := op.Reg.Width
			native := assignment[op.Reg.ID]
			native.Width = width
			op.Reg = native
		}
	}
}
