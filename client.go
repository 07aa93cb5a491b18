package xget

import (
	"net/http"
	"time"
)

// DefaultClient is what segment sources and the metadata probe use to make
// their individual requests, unless overridden with WithClient. Mirrors
// go-rangetripper's DefaultClient: a RetryClient wrapping a plain
// http.Client with sane retry/timeout defaults.
var DefaultClient Client = NewRetryClient(5, 2*time.Second, 10*time.Second)

// Client is satisfied by *http.Client or *RetryClient.
type Client interface {
	Do(*http.Request) (*http.Response, error)
}
