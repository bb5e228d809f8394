package stringx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCutFromRight(t *testing.T) {
	cases := []struct {
		given         string
		before, after string
		expectedFound bool
	}{
		{"consolidated.00.pth", "consolidated.00", "pth", true},
		{"archive/data/0", "archive/data", "0", true},
		{"plain", "plain", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			sep := "."
			if tc.given == "archive/data/0" {
				sep = "/"
			}
			b, a, f := CutFromRight(tc.given, sep)
			assert.Equal(t, tc.before, b)
			assert.Equal(t, tc.after, a)
			assert.Equal(t, tc.expectedFound, f)
		})
	}
}

func TestSumByFNV64a(t *testing.T) {
	assert.Len(t, SumByFNV64a("a"), 16)
	assert.Equal(t, SumByFNV64a("a", "b"), SumByFNV64a("a", "b"))
	assert.NotEqual(t, SumByFNV64a("ab"), SumByFNV64a("a", "b"))
}
