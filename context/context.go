// Package granarycontext implements the process-wide Context described in
// spec.md §4.7: it owns the code cache allocator, the block metadata
// index, and the edge manager, and exposes the four entry points a host
// drives translation through. Package name chosen to avoid shadowing the
// standard library's context.Context; callers typically import this as
// gctx.
package granarycontext

import (
	"fmt"
	"sync"

	"github.com/go-granary/granary/assemble"
	"github.com/go-granary/granary/block"
	"github.com/go-granary/granary/cache"
	"github.com/go-granary/granary/client"
	"github.com/go-granary/granary/config"
	"github.com/go-granary/granary/decode"
	"github.com/go-granary/granary/edge"
	"github.com/go-granary/granary/fragment"
	"github.com/go-granary/granary/logutil"
)

var log = logutil.New("context")

// committedBlock records the application address range and index hashes
// of one committed translation, the bookkeeping Invalidate needs that
// cache.Index alone does not keep (Index is keyed by metadata hash, not
// by address range).
type committedBlock struct {
	startPC    uint64
	length     uint64
	hash       uint64
	coarseHash uint64
}

// Context is the process-wide state spec.md §4.7 describes: "Owns the
// process-wide state: the code cache allocator, the block metadata
// index, the direct-edge free list / executor, the indirect-edge hash
// table."
type Context struct {
	opts config.Options

	alloc *cache.Allocator
	index *cache.Index
	edges *edge.Manager

	factory *block.Factory
	builder *fragment.Builder
	slots   assemble.SlotLayout

	clients *client.Registry

	committedMu sync.Mutex
	committed   []committedBlock
}

// New returns a Context whose decoder reads application code through mem
// and whose direct edges call back into entrypoint on their slow path
// (spec.md §4.6's edge_entrypoint). registry may be nil for a context
// with no instrumentation clients (client.identity's scenario).
func New(mem decode.CodeReader, entrypoint uintptr, registry *client.Registry, opts ...config.Option) *Context {
	o := config.New(opts...)

	alloc := cache.NewAllocator(o.CacheSlabSize, o.CacheLineAlignMask)
	idx := cache.NewIndex()
	dec := decode.New(mem)

	f := block.NewFactory(dec, idx)
	if registry != nil {
		f.OnInstrumentBlock = registry.InstrumentBlock
		f.OnControlFlow = func(fac *block.Factory, t *block.Trace) {
			registry.InstrumentControlFlow(fac, t)
		}
	}

	b := fragment.NewBuilder()
	b.SpecializeReturns = o.SpecializeReturns

	return &Context{
		opts:    o,
		alloc:   alloc,
		index:   idx,
		edges:   edge.NewManager(alloc, entrypoint, o.DirectEdgeHotThreshold),
		factory: f,
		builder: b,
		clients: registry,
		// Zero-value SlotLayout. Slots of a fragment whose stack was never
		// checked (StackState.IsChecked false, as splitIntoGroups starts
		// every block) go through the TLS/segment-prefixed path; only a
		// fragment after a stack-valid annotation is addressed RSP-relative,
		// from StackBase 0 until a host calls SetSlotLayout with its
		// private stack geometry.
	}
}

// SetSlotLayout overrides the storage layout assemble pass 4 resolves
// scheduler slots into (spec.md §4.4 point 4). Safe to call before the
// first Translate; changing it afterwards does not retroactively move
// already-committed slots.
func (c *Context) SetSlotLayout(layout assemble.SlotLayout) {
	c.slots = layout
}

// Index returns the block metadata index, exposed for tests and for
// hosts that want to pre-seed or inspect cached translations directly.
func (c *Context) Index() *cache.Index { return c.index }

// Edges returns the edge manager (spec.md §4.7
// "allocate_direct_edge"/"allocate_indirect_edge").
func (c *Context) Edges() *edge.Manager { return c.edges }

// Translate is spec.md §4.7's "translate(app_pc, metadata) → cached_pc"
// entry point: it decodes and instruments a trace rooted at pc, commits
// its fragment graph to the code cache, and returns the entry block's
// cache address. A cached translation short-circuits the whole pipeline.
//
// Concurrency: spec.md §5 only requires cache-index insertion to be
// serialised, not the whole translate call, so two threads racing to
// translate the same pc may both build and encode a translation; only
// one insertion wins (cache.Index.Insert is the serialisation point) and
// the loser's encoding is simply never looked up again -- wasted work,
// not a correctness problem (spec.md §7 CacheInsertRace).
func (c *Context) Translate(pc uint64, meta *block.MetaData) (uintptr, error) {
	if meta == nil {
		meta = c.newMetaData(pc)
	}

	if v, cachePC := c.index.Lookup(meta.Hash(), meta.CoarseHash()); v == cache.Accept {
		return cachePC, nil
	}

	trace := block.NewTrace()
	entryID, err := c.factory.RequestBlock(pc, meta, trace)
	if err != nil {
		return 0, fmt.Errorf("context: translate %#x: %w", pc, err)
	}
	c.factory.RunToFixedPoint(trace)

	graph := c.builder.Build(trace)
	if err := c.resolveFutureDirectExits(graph); err != nil {
		return 0, fmt.Errorf("context: resolve edges for %#x: %w", pc, err)
	}

	layout := make([]uint64, 0, len(graph.Fragments()))
	for i := range graph.Fragments() {
		layout = append(layout, uint64(i))
	}

	result, err := assemble.Commit(graph, c.alloc, layout, c.slots)
	if err != nil {
		return 0, fmt.Errorf("context: commit %#x: %w", pc, err)
	}

	entryBlock := trace.Block(entryID)
	entryFragID := entryFragmentID(graph, entryID, trace)
	cachePC, ok := result.FragmentPC[entryFragID]
	if !ok {
		return 0, fmt.Errorf("context: no cache address produced for entry block at %#x", pc)
	}

	hash := meta.Hash()
	coarseHash := meta.CoarseHash()
	c.index.Insert(hash, coarseHash, cachePC)
	c.recordCommitted(entryBlock, hash, coarseHash)

	log.Debugf("translated %#x -> cache %#x", pc, cachePC)
	return cachePC, nil
}

// entryFragmentID finds the fragment graph id corresponding to a trace
// block's first fragment. The builder processes blocks in trace order
// and assigns fragment ids sequentially, so this walks the graph once
// rather than threading an extra id-mapping return value through
// fragment.Builder.Build's signature.
func entryFragmentID(g *fragment.Graph, blockID uint64, t *block.Trace) uint64 {
	blk := t.Block(blockID)
	if blk == nil {
		return 0
	}
	for _, f := range g.Fragments() {
		if f.BlockMeta == blk.Meta && f.IsBlockHead {
			return f.ID
		}
	}
	// Exit-kind blocks (Cached, Native, Future, Return) have exactly one
	// fragment and it is never marked IsBlockHead; fall back to matching
	// on BlockMeta alone.
	for _, f := range g.Fragments() {
		if f.BlockMeta == blk.Meta {
			return f.ID
		}
	}
	return 0
}

// resolveFutureDirectExits gives every DirectFuture exit fragment
// (spec.md §4.3's "DirectFuture" block kind, built by fragment.Builder
// into a bare Exit fragment carrying only the destination's metadata)
// a real address to jump to, by allocating the direct-edge stub spec.md
// §4.6 describes for exactly this case and pointing the exit at the
// stub's current entry target (initially the stub's own address; later
// traversals may have already patched it to the destination's cache PC,
// spec.md §4.6 "after an execution-count threshold"). This has to run
// once per commit, after Build and before Commit, since assemble's
// connecting-jump pass (connect.go's exitOperand) only emits a direct
// branch for an Exit fragment whose ExitTarget is already known.
//
// ExitFutureIndirect singleton exits (the unspecialized-Return identity
// path, spec.md §9) are not handled here: unlike a direct edge, an
// indirect edge is a bare hash table with no stub code of its own
// (edge.Indirect has no EdgeCodePC) -- reaching one needs lookup-or-call
// dispatch code. Neither a bare singleton exit fragment nor the
// indirect-edge fragment group (fragment.BuildIndirectGroup, whose
// fragments are empty) contains such code, and such an exit falls back
// to an unresolved fragment label (connect.go).
func (c *Context) resolveFutureDirectExits(g *fragment.Graph) error {
	for _, f := range g.Fragments() {
		if f == nil || f.Kind != fragment.Code {
			continue
		}
		for _, succID := range []uint64{f.FallThrough, f.Branch} {
			target := g.Fragment(succID)
			if target == nil || target.Kind != fragment.Exit {
				continue
			}
			if target.ExitKind != fragment.ExitFutureDirect || target.ExitTarget != 0 {
				continue
			}
			d, err := c.edges.AllocateDirectEdge(f.BlockMeta, target.BlockMeta)
			if err != nil {
				return err
			}
			target.ExitTarget = d.EntryTarget()
		}
	}
	return nil
}

// AllocateDirectEdge is spec.md §4.7's "allocate_direct_edge(source_meta,
// dest_meta) → DirectEdge*".
func (c *Context) AllocateDirectEdge(sourceMeta, destMeta *block.MetaData) (*edge.Direct, error) {
	return c.edges.AllocateDirectEdge(sourceMeta, destMeta)
}

// AllocateIndirectEdge is spec.md §4.7's
// "allocate_indirect_edge(dest_meta_template) → IndirectEdge*".
func (c *Context) AllocateIndirectEdge(destMetaTemplate *block.MetaData) *edge.Indirect {
	return c.edges.AllocateIndirectEdge(destMetaTemplate)
}

// Invalidate is spec.md §4.7's "invalidate(app_pc, length)": every
// committed translation whose source range overlaps
// [pc, pc+length) is dropped from the index, and every direct edge
// targeting one of them is reset to its stub state, forcing the next
// execution back through entrypoint rather than leaving a dangling
// cache address (spec.md §7 HostUnmap: "marked stale ... re-patched
// toward a Native exit"; resetting to the stub is this translator's
// concrete mechanism, since the stub's own slow path re-enters
// Translate, which is free to produce a Native block for an
// unmapped/overwritten address).
func (c *Context) Invalidate(pc uint64, length uint64) {
	stale := c.takeStale(pc, length)
	if len(stale) == 0 {
		return
	}

	staleSet := make(map[uint64]bool, len(stale))
	for _, cb := range stale {
		c.index.Invalidate(cb.hash, cb.coarseHash)
		staleSet[cb.hash] = true
	}

	c.edges.Walk(func(d *edge.Direct) {
		if d.DestMeta == nil {
			return
		}
		if staleSet[d.DestMeta.Hash()] {
			d.PublishExit(d.EdgeCodePC)
		}
	})

	log.Debugf("invalidated %d translations overlapping [%#x, %#x)", len(stale), pc, pc+length)
}

func (c *Context) takeStale(pc, length uint64) []committedBlock {
	c.committedMu.Lock()
	defer c.committedMu.Unlock()

	var stale []committedBlock
	kept := c.committed[:0]
	for _, cb := range c.committed {
		if overlaps(cb.startPC, cb.length, pc, length) {
			stale = append(stale, cb)
			continue
		}
		kept = append(kept, cb)
	}
	c.committed = kept
	return stale
}

func overlaps(aStart, aLen, bStart, bLen uint64) bool {
	aEnd := aStart + aLen
	bEnd := bStart + bLen
	return aStart < bEnd && bStart < aEnd
}

// recordCommitted keeps the (address range, hash) bookkeeping Invalidate
// needs. The range's length is the real decoded span of entryBlock: the
// distance from its StartPC to the furthest instruction end address
// among its own Instructions (block.Block.Instructions carries each
// instruction's DecodedPC/DecodedLength from the decoder), not a
// hardcoded stand-in -- so Invalidate(pc, length) correctly recognizes
// an overlap with any address inside the block, not only its exact
// start.
func (c *Context) recordCommitted(entryBlock *block.Block, hash, coarseHash uint64) {
	c.committedMu.Lock()
	defer c.committedMu.Unlock()
	c.committed = append(c.committed, committedBlock{
		startPC:    entryBlock.StartPC,
		length:     blockSpan(entryBlock),
		hash:       hash,
		coarseHash: coarseHash,
	})
}

// blockSpan returns the number of bytes blk's own decoded instructions
// span from its StartPC, falling back to 1 for a block with no decoded
// instructions (Cached/Native/Future/Return entry blocks, which have no
// Instructions of their own -- their single byte at StartPC is still a
// valid, if minimal, invalidation target).
func blockSpan(blk *block.Block) uint64 {
	var end uint64
	for _, in := range blk.Instructions {
		if in.DecodedLength == 0 {
			continue
		}
		if e := in.DecodedPC + uint64(in.DecodedLength); e > end {
			end = e
		}
	}
	if end <= blk.StartPC {
		return 1
	}
	return end - blk.StartPC
}

// newMetaData seeds a fresh MetaData through the registry (if any) so
// client-registered descriptors are present from the first instrumented
// block.
func (c *Context) newMetaData(pc uint64) *block.MetaData {
	if c.clients != nil {
		return c.clients.NewMetaData(pc)
	}
	return block.NewMetaData(pc)
}

// Close releases the code cache's mmap'd slabs.
func (c *Context) Close() error {
	return c.alloc.Close()
}
