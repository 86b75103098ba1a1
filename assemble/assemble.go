package assemble

import (
	"fmt"

	"github.com/go-granary/granary/cache"
	"github.com/go-granary/granary/encode"
	"github.com/go-granary/granary/fragment"
	"github.com/go-granary/granary/ir"
)

// Result is the output of a completed Commit: every Code fragment's final
// cache address, plus the concatenated machine code that was written into
// the allocator.
type Result struct {
	FragmentPC map[uint64]uintptr
	Code       []byte
}

// Commit runs the five passes over g in place and then performs the
// two-pass stage/commit encode (spec.md §4.5): every fragment is first
// encoded independently to measure its size, one staged estimate
// (cache.Allocator.EstimatePC) is taken for the whole blob, and each
// fragment's estimated address is that base plus its offset in the blob.
// Relativize runs once against those estimates; since it can grow a
// fragment (an out-of-range reference becomes a load-immediate pair),
// the scratch virtuals it mints are then scheduled and slotted, sizes are
// measured again, and the whole graph is encoded once more and committed
// with a single AllocateExec, matching the stage-then-commit shape of
// wagon's AMD64Backend.Build. Relativize is not re-run after that growth.
func Commit(g *fragment.Graph, alloc *cache.Allocator, layout []uint64, slotLayout SlotLayout) (*Result, error) {
	slots := NewSlotCounter()
	SaveRestoreFlags(g, slots)
	ScheduleRegisters(g, slots)
	AllocateSlots(g, slotLayout)
	InsertConnectingJumps(g, layout)

	sizes, err := encodeSizes(g, layout)
	if err != nil {
		return nil, err
	}

	// Every fragment in layout is concatenated into one code blob and
	// committed with a single AllocateExec call below, so the staged
	// estimate only needs to be taken once, for the whole blob's size;
	// each fragment's estimated address is then that base plus its
	// cumulative offset within the blob.
	total := 0
	for _, id := range layout {
		total += sizes[id]
	}
	stagedBase, err := alloc.EstimatePC(total)
	if err != nil {
		return nil, fmt.Errorf("assemble: estimate commit: %w", err)
	}

	estimates := make(map[uint64]uintptr, len(layout))
	var running int
	for _, id := range layout {
		estimates[id] = stagedBase + uintptr(running)
		running += sizes[id]
	}
	estimate := func(id uint64) uintptr { return estimates[id] }

	Relativize(g, estimate, &ScratchCounter{})
	ScheduleRegisters(g, slots)
	AllocateSlots(g, slotLayout)

	// Relativize may have grown some fragments (an out-of-range branch or
	// RIP-relative reference expands into a load-immediate pair), so
	// offsets within the final blob are recomputed from post-relativize
	// sizes rather than reusing the staged estimate's sizes.
	finalSizes, err := encodeSizes(g, layout)
	if err != nil {
		return nil, err
	}

	bd, err := encode.NewBuilder()
	if err != nil {
		return nil, err
	}
	for _, id := range layout {
		f := g.Fragment(id)
		if f == nil || f.Kind != fragment.Code {
			continue
		}
		// Every fragment gets its own label defined at this position in
		// the stream, whether or not anything currently branches to it,
		// so a connecting jump or retargeted branch (assemble pass 5)
		// always resolves against a Prog that is actually part of the
		// assembled blob rather than a placeholder nothing ever appends.
		if err := bd.Emit(ir.NewLabel(FragmentLabel(id))); err != nil {
			return nil, fmt.Errorf("assemble: emit label for fragment %d: %w", id, err)
		}
		for _, in := range f.Instructions {
			if err := bd.Emit(in); err != nil {
				return nil, fmt.Errorf("assemble: emit fragment %d: %w", id, err)
			}
		}
	}
	code := bd.Assemble()

	base, err := alloc.AllocateExec(code)
	if err != nil {
		return nil, fmt.Errorf("assemble: commit: %w", err)
	}

	pcs := make(map[uint64]uintptr, len(layout))
	running = 0
	for _, id := range layout {
		pcs[id] = base + uintptr(running)
		running += finalSizes[id]
	}

	return &Result{FragmentPC: pcs, Code: code}, nil
}

// encodeSizes measures every fragment's encoded length independently, by
// running it through a scratch builder. This costs a throwaway encode
// pass but keeps the staged-size accounting exact without duplicating
// the lowering table.
func encodeSizes(g *fragment.Graph, layout []uint64) (map[uint64]int, error) {
	sizes := make(map[uint64]int, len(layout))
	for _, id := range layout {
		f := g.Fragment(id)
		if f == nil || f.Kind != fragment.Code {
			sizes[id] = 0
			continue
		}
		bd, err := encode.NewBuilder()
		if err != nil {
			return nil, err
		}
		for _, in := range f.Instructions {
			if err := bd.Emit(in); err != nil {
				return nil, fmt.Errorf("assemble: size fragment %d: %w", id, err)
			}
		}
		sizes[id] = bd.Len()
	}
	return sizes, nil
}
