package xget

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

// errProbeForbidden marks a 403 response to the metadata probe: an
// authoritative refusal that spec.md §4.1/§7 says is never retried.
var errProbeForbidden = errors.New("probe received 403 Forbidden")

// ProbeResult is handed to a HeadHandler after a successful metadata probe,
// per spec.md §4.1.
type ProbeResult struct {
	Chunks        int
	Headers       http.Header
	TotalSize     int64
	AcceptsRanges bool
}

// HeadHandler intercepts a successful probe. If override is true, Offset
// replaces the configured start byte.
type HeadHandler func(ProbeResult) (offset int64, override bool)

// LoadData is the result of the metadata probe, per spec.md §3.
type LoadData struct {
	URL       string
	Size      int64 // TotalSize - Start; unknownSize if TotalSize is unknown
	Start     int64
	TotalSize int64 // unknownSize if the server never reported a length
	Chunkable bool
	Headers   http.Header
	Plan      Plan
}

// probe issues a single ranged GET for `bytes=0-`, retrying up to
// maxRetries times (403 excluded), and derives chunkability and size from
// the response, per spec.md §4.1. onRetry, if non-nil, is invoked once per
// retry with the meta flag set.
func probe(ctx context.Context, client Client, timeout time.Duration, url string, maxRetries int, onRetry func(RetryEvent)) (*http.Response, error) {
	if maxRetries < 0 {
		maxRetries = 1 << 30 // treat "infinite" as a very large, finite budget
	}
	var (
		res        *http.Response
		retryCount int
	)

	run := func() error {
		reqCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Range", "bytes=0-")

		r, err := client.Do(req)
		if err != nil {
			if errors.Is(err, errStatusNope) {
				return errProbeForbidden
			}
			return err
		}
		if r.StatusCode == http.StatusForbidden {
			r.Body.Close()
			return errProbeForbidden
		}
		if r.StatusCode < 200 || (r.StatusCode >= 300 && r.StatusCode != http.StatusRequestedRangeNotSatisfiable) {
			r.Body.Close()
			return &NetException{Status: r.StatusCode, StatusText: r.Status}
		}
		res = r
		return nil
	}

	classifier := make(retrier.BlacklistClassifier, 1)
	classifier[0] = errProbeForbidden

	var lastErr error
	wrapped := func() error {
		err := run()
		if err != nil {
			lastErr = err
			if !errors.Is(err, errProbeForbidden) && retryCount < maxRetries {
				retryCount++
				if onRetry != nil {
					onRetry(RetryEvent{Meta: true, RetryCount: retryCount, MaxRetries: maxRetries, LastErr: err})
				}
			}
		}
		return err
	}

	r := retrier.New(retrier.ConstantBackoff(maxRetries, 100*time.Millisecond), classifier)
	if err := r.Run(wrapped); err != nil {
		if errors.Is(err, errProbeForbidden) {
			return nil, &MetaExhausted{LastErr: err}
		}
		return nil, &MetaExhausted{LastErr: lastErr}
	}
	return res, nil
}

// parseProbeResponse extracts totalSize and acceptsRanges from a probe
// response, per spec.md §4.1. Chunkability is derived from these by the
// caller.
func parseProbeResponse(res *http.Response) (totalSize int64, acceptsRanges bool) {
	totalSize = unknownSize

	if cl := res.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			totalSize = n
		}
	} else if cr := res.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				totalSize = n
			}
		}
	}

	if res.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return totalSize, false
	}

	if res.Header.Get("Accept-Ranges") == "bytes" {
		acceptsRanges = true
	} else if res.Header.Get("Content-Range") != "" {
		acceptsRanges = true
	}
	return totalSize, acceptsRanges
}
