package stringx

import (
	"encoding/hex"
	"hash/fnv"
)

// SumByFNV64a sums up the string(s) by FNV-64a hash algorithm.
func SumByFNV64a(s string, ss ...string) string {
	h := fnv.New64a()

	_, _ = h.Write([]byte(s))
	for i := range ss {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(ss[i]))
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}
