// Package scanners holds the concrete Scanner adapters. Each adapter is a
// pure request/parse transducer: no shared mutable state, failures surface as
// an empty list plus an error for the aggregator to log.
package scanners

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// newHTTPClient builds the retrying client every adapter shares the shape of.
// Retries stay small; the aggregator's per-adapter timeout is the real bound.
func newHTTPClient(timeout time.Duration) *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 1 * time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timeout}
	return client.StandardClient()
}
