package stream

import (
	"fmt"

	"github.com/loamtrace/elt/internal/registry"
)

// Factory materializes a stream Handle from a (source, stream) name pair
// plus the registry. It holds no state beyond the registry reference —
// construction is pure lookup-and-invoke, and the factory never caches an
// instance across calls.
type Factory struct {
	reg *registry.Registry
}

// NewFactory builds a Factory bound to reg.
func NewFactory(reg *registry.Registry) *Factory {
	return &Factory{reg: reg}
}

// Build looks up the (source, stream) descriptor and invokes its registered
// constructor, returning a tagged Handle. Returns an error if the source or
// stream is unknown, or if the descriptor's constructor does not satisfy the
// Pull/Push contract it claims to (a registration-time bug, surfaced here
// because registry itself cannot import stream without a cycle).
func (f *Factory) Build(sourceName, streamName string) (Handle, error) {
	desc, ok := f.reg.GetStream(sourceName, streamName)
	if !ok {
		return Handle{}, fmt.Errorf("stream factory: unknown stream %s/%s", sourceName, streamName)
	}

	switch {
	case desc.NewPull != nil:
		inst := desc.NewPull()
		p, ok := inst.(Pull)
		if !ok {
			return Handle{}, fmt.Errorf("stream factory: %s/%s registered NewPull does not implement stream.Pull", sourceName, streamName)
		}
		return Handle{Pull: p}, nil

	case desc.NewPush != nil:
		inst := desc.NewPush()
		p, ok := inst.(Push)
		if !ok {
			return Handle{}, fmt.Errorf("stream factory: %s/%s registered NewPush does not implement stream.Push", sourceName, streamName)
		}
		return Handle{Push: p}, nil

	default:
		return Handle{}, fmt.Errorf("stream factory: %s/%s has neither NewPull nor NewPush", sourceName, streamName)
	}
}

// AdvanceOnPartial reports whether the stream's descriptor allows the sync
// cursor to advance on a partial run. Unknown streams answer false.
func (f *Factory) AdvanceOnPartial(sourceName, streamName string) bool {
	desc, ok := f.reg.GetStream(sourceName, streamName)
	return ok && desc.AdvanceOnPartial
}
