package dialer

import (
	"sort"
	"sync"
)

// Registry tracks dialers whose leg is still owned by a dial, keyed by the
// child callSid.
type Registry struct {
	mu      sync.Mutex
	dialers map[string]*SingleDialer
}

func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]*SingleDialer)}
}

func (r *Registry) add(d *SingleDialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[d.CallSid()] = d
}

func (r *Registry) remove(callSid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dialers, callSid)
}

func (r *Registry) Get(callSid string) (*SingleDialer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dialers[callSid]
	return d, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dialers)
}

// Children returns the dialers started by the leg parentCallSid.
func (r *Registry) Children(parentCallSid string) []*SingleDialer {
	r.mu.Lock()
	var out []*SingleDialer
	for _, d := range r.dialers {
		if d.info.ParentCallSid() == parentCallSid {
			out = append(out, d)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CallSid() < out[j].CallSid() })
	return out
}
