package engine

// placeholders binds inline labels to provisional addresses before any
// statement sizes are known. A label defined at statement index i is
// placed as if every preceding statement encoded to the codec's maximum
// instruction length. On variable-length architectures that overestimates
// every forward distance, so the first pass picks the widest encodings and
// later passes only have to shrink them; on fixed-width architectures the
// provisional layout is already exact, so short-range branches stay within
// reach. Provisional addresses are a pure function of (base, step,
// statement index) and are assigned in statement order.
type placeholders struct {
	base     uint64
	step     uint64
	assigned map[string]uint64
}

func newPlaceholders(base uint64, maxSize int) *placeholders {
	return &placeholders{
		base:     base,
		step:     uint64(maxSize),
		assigned: make(map[string]uint64),
	}
}

// bind assigns the provisional address for a label defined at statement
// index at. Binding the same name again returns the original address.
func (p *placeholders) bind(name string, at int) uint64 {
	if addr, ok := p.assigned[name]; ok {
		return addr
	}
	addr := p.base + p.step*uint64(at)
	p.assigned[name] = addr
	return addr
}

// addresses returns the provisional binding for every bound label.
func (p *placeholders) addresses() map[string]uint64 { return p.assigned }
