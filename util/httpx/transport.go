package httpx

import (
	"net/http"
)

// Transport returns the http.Transport built by the given options.
func Transport(opts ...*TransportOption) *http.Transport {
	var o *TransportOption
	if len(opts) > 0 && opts[0] != nil {
		o = opts[0]
	} else {
		o = TransportOptions()
	}

	return o.transport
}
