package packet

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/switchsim/switchsim/pkg/swerr"
)

// MaxProcessors bounds the number of callbacks a Pipeline will accept.
const MaxProcessors = 64

// MaxRecirculationDepth bounds how many times a single originally-injected
// frame may re-enter the pipeline via Recirculate before it is dropped.
// This ceiling is policy, not a derived algorithmic constant.
const MaxRecirculationDepth = 16

// Verdict is the result a processor callback returns for a frame.
type Verdict uint8

const (
	// Forward continues to the next processor in priority order.
	Forward Verdict = iota
	// Drop stops processing and increments the drop counter.
	Drop
	// Consume stops processing without counting as a drop.
	Consume
	// Recirculate restarts processing from the first processor.
	Recirculate
)

// Context carries per-invocation state down the call chain so that
// recirculation depth survives re-entry without resorting to thread-local
// storage.
type Context struct {
	Depth int
}

// ProcessorFunc is a pipeline callback. userData is the opaque value
// supplied at registration time.
type ProcessorFunc func(buf *Buffer, ctx *Context, userData interface{}) Verdict

// Handle identifies a registered processor for later unregistration.
type Handle uint64

type registration struct {
	handle   Handle
	priority int
	fn       ProcessorFunc
	userData interface{}
}

// Pipeline holds an ordered list of processor callbacks and dispatches
// frames through them, honoring drop/consume/recirculate verdicts.
type Pipeline struct {
	mu         sync.Mutex
	procs      []registration
	nextHandle Handle

	dropCount        uint64
	recirculateDrops uint64

	log *logrus.Entry
}

// New returns an empty Pipeline.
func New(log *logrus.Entry) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pipeline{log: log.WithField("component", "pipeline")}
}

// Register adds a processor at the given priority (lower runs earlier).
// It fails once MaxProcessors registrations are held.
func (p *Pipeline) Register(priority int, fn ProcessorFunc, userData interface{}) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.procs) >= MaxProcessors {
		return 0, swerr.New("pipeline", "register", swerr.ErrTableFull, fmt.Sprintf("max %d processors", MaxProcessors))
	}

	p.nextHandle++
	h := p.nextHandle
	p.procs = append(p.procs, registration{handle: h, priority: priority, fn: fn, userData: userData})
	sort.SliceStable(p.procs, func(i, j int) bool { return p.procs[i].priority < p.procs[j].priority })
	return h, nil
}

// Unregister removes a previously registered processor.
func (p *Pipeline) Unregister(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.procs {
		if r.handle == h {
			p.procs = append(p.procs[:i], p.procs[i+1:]...)
			return nil
		}
	}
	return swerr.New("pipeline", "unregister", swerr.ErrNotFound, fmt.Sprintf("handle %d", h))
}

// snapshot returns a copy of the current processor list, taken under the
// registration lock, so that Process can run callbacks without holding it.
func (p *Pipeline) snapshot() []registration {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]registration, len(p.procs))
	copy(out, p.procs)
	return out
}

// process dispatches buf through the registered processors in priority
// order, charging recirculation against ctx.Depth. Callbacks must not hold
// the registration lock; they may re-enter the pipeline via a Recirculate
// verdict.
func (p *Pipeline) process(buf *Buffer, ctx *Context) {
	procs := p.snapshot()

	for i := 0; i < len(procs); i++ {
		switch procs[i].fn(buf, ctx, procs[i].userData) {
		case Forward:
			continue
		case Drop:
			p.mu.Lock()
			p.dropCount++
			p.mu.Unlock()
			return
		case Consume:
			return
		case Recirculate:
			ctx.Depth++
			if ctx.Depth > MaxRecirculationDepth {
				p.mu.Lock()
				p.dropCount++
				p.recirculateDrops++
				p.mu.Unlock()
				p.log.WithField("depth", ctx.Depth).Error("recirculation depth exceeded, dropping frame")
				return
			}
			p.process(buf, ctx)
			return
		}
	}
}

// Inject marks buf as internally originated and runs it through the
// pipeline from the first processor.
func (p *Pipeline) Inject(buf *Buffer) {
	buf.Meta.Direction = DirectionInternal
	p.process(buf, &Context{})
}

// Receive marks buf as having arrived on ingressPort and runs it through
// the pipeline from the first processor.
func (p *Pipeline) Receive(buf *Buffer, ingressPort uint16) {
	buf.Meta.Direction = DirectionRx
	buf.Meta.IngressPort = ingressPort
	p.process(buf, &Context{})
}

// DropCount returns the number of frames dropped by processor verdict or
// recirculation-depth exhaustion.
func (p *Pipeline) DropCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropCount
}

// RecirculateDrops returns the subset of DropCount attributable to
// recirculation-depth exhaustion specifically.
func (p *Pipeline) RecirculateDrops() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recirculateDrops
}
