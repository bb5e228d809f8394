package slicex

import "golang.org/x/exp/constraints"

// Sum returns the sum of all elements.
func Sum[T constraints.Integer | constraints.Float](s []T) T {
	var r T
	for i := range s {
		r += s[i]
	}
	return r
}

// Max returns the greatest element, or the zero value of an empty slice.
func Max[T constraints.Ordered](s []T) T {
	var r T
	for i := range s {
		if i == 0 || s[i] > r {
			r = s[i]
		}
	}
	return r
}
