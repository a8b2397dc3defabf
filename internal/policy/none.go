package policy

// None is the "no ordering tracked" replacement policy: it offers no
// automatic victim selection at all — the cache façade must name the exact
// key to evict. Insert takes no reference on the entry; the Handle only
// carries the item back to Evict.
type None struct{}

// NewNone builds a None policy. It carries no state.
func NewNone() *None { return &None{} }

func (p *None) Insert(item Item) *Handle {
	return &Handle{item: item}
}

// Use is a no-op: None tracks no recency ordering.
func (p *None) Use(h *Handle) {}

// Evict only supports the "specific handle" form: h must identify the
// entry to evict. Asking None to pick its own victim (h == nil) always
// fails, matching the "evict-by-key-only" contract in spec.md §4.D.
func (p *None) Evict(h *Handle) (Item, error) {
	if h == nil {
		return nil, ErrEmpty
	}
	return h.item, nil
}

// Remove is a no-op: there is no list entry to unlink.
func (p *None) Remove(h *Handle) {}
