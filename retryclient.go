package xget

import (
	"errors"
	"net/http"
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

// errStatusNope signals a non-retriable HTTP status (403: authoritative
// refusal, per spec.md §4.1 and §7). RetryClient never retries it, and the
// metadata probe fails on it without retrying; a segment source still
// counts it against its own retry budget like any other open error.
var errStatusNope = errors.New("non-retriable HTTP status received")

// RetryClient wraps an *http.Client with github.com/eapache/go-resiliency's
// retrier, blacklisting 403 so it always surfaces immediately instead of
// burning the retry budget on a refusal that won't change its mind.
type RetryClient struct {
	client  *http.Client
	timeout time.Duration
	retrier *retrier.Retrier
}

// NewRetryClient returns a RetryClient that retries failed requests
// `retries` times at a constant `every` interval, using `timeout` as the
// per-request inactivity timeout.
func NewRetryClient(retries int, every, timeout time.Duration) *RetryClient {
	b := make(retrier.BlacklistClassifier, 1)
	b[0] = errStatusNope

	return &RetryClient{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		retrier: retrier.New(retrier.ConstantBackoff(retries, every), b),
	}
}

// NewRetryClientWithExponentialBackoff returns a RetryClient that retries
// failed requests `retries` times, starting at `initially` and backing off
// exponentially, using `timeout` as the per-request inactivity timeout.
func NewRetryClientWithExponentialBackoff(retries int, initially, timeout time.Duration) *RetryClient {
	b := make(retrier.BlacklistClassifier, 1)
	b[0] = errStatusNope

	return &RetryClient{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		retrier: retrier.New(retrier.ExponentialBackoff(retries, initially), b),
	}
}

// Do issues req, retrying on transport errors and non-2xx statuses other
// than 403, per the RetryClient's configured policy.
func (w *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var ret *http.Response

	try := func() error {
		resp, tryErr := w.client.Do(req)
		if tryErr != nil {
			return tryErr
		}

		if resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return errStatusNope
		} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &NetException{Status: resp.StatusCode, StatusText: resp.Status}
		}

		ret = resp
		return nil
	}

	if err := w.retrier.Run(try); err != nil {
		return nil, err
	}
	return ret, nil
}
