package httpx

import (
	"context"
	"fmt"
	"net/http"

	"github.com/henvic/httpretty"
)

// Client returns a new http.Client with the given options,
// the result http.Client is used for fast-consuming requests.
func Client(opts ...*ClientOption) *http.Client {
	var o *ClientOption
	if len(opts) > 0 && opts[0] != nil {
		o = opts[0]
	} else {
		o = ClientOptions()
	}

	var root http.RoundTripper = Transport(o.TransportOption)
	if o.debug {
		pretty := &httpretty.Logger{
			Time:            true,
			TLS:             true,
			RequestHeader:   true,
			RequestBody:     true,
			MaxRequestBody:  1024,
			ResponseHeader:  true,
			ResponseBody:    true,
			MaxResponseBody: 1024,
			Formatters:      []httpretty.Formatter{&httpretty.JSONFormatter{}},
		}
		root = pretty.RoundTripper(root)
	}

	var rt http.RoundTripper = root
	if len(o.roundTrips) != 0 {
		rt = RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			for i := range o.roundTrips {
				if err := o.roundTrips[i](req); err != nil {
					return nil, err
				}
			}
			return root.RoundTrip(req)
		})
	}

	return &http.Client{
		Transport: rt,
		Timeout:   o.timeout,
	}
}

// RoundTripperFunc is an adapter to allow the use of ordinary functions as http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (fn RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return fn(req)
}

// NewGetRequestWithContext returns a new http.MethodGet request,
// which is saving your life from http.NewRequestWithContext.
func NewGetRequestWithContext(ctx context.Context, uri string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
}

// NewHeadRequestWithContext returns a new http.MethodHead request,
// which is saving your life from http.NewRequestWithContext.
func NewHeadRequestWithContext(ctx context.Context, uri string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
}

// Close closes the http response body without error.
func Close(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

// Do is a helper function to execute the given http request with the given http client,
// and execute the given function with the http response.
//
// It is useful to avoid forgetting to close the http response body.
//
// Do will return the error if failed to execute the http request or the given function.
func Do(cli *http.Client, req *http.Request, respFunc func(*http.Response) error) error {
	resp, err := cli.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer Close(resp)
	if respFunc == nil {
		return nil
	}
	return respFunc(resp)
}
