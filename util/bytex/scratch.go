package bytex

// Scratch is a growable staging buffer,
// which is reused across tensors of one merge and released at the end.
//
// The zero value is ready to use.
type Scratch struct {
	b []byte
}

// Resize returns a slice of exactly n bytes backed by the scratch buffer.
//
// The underlying allocation only grows,
// the content of the returned slice is unspecified.
func (s *Scratch) Resize(n int) []byte {
	if n < 0 {
		n = 0
	}
	if cap(s.b) < n {
		s.b = make([]byte, n)
	}
	return s.b[:n]
}

// Cap returns the capacity of the underlying allocation.
func (s *Scratch) Cap() int {
	return cap(s.b)
}

// Release drops the underlying allocation.
func (s *Scratch) Release() {
	s.b = nil
}
