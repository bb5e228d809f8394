package json

import (
	"fmt"
	"io"
)

// DecodeFrom decodes the JSON document read from r into v,
// the document must not be followed by other values.
func DecodeFrom(r io.Reader, v any) error {
	dec := NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("decode json: unexpected trailing data")
	}
	return nil
}
