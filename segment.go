package xget

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

// resilientSource is a restartable byte producer for one Range, per
// spec.md §4.2. On any transport error it transparently reissues a new
// ranged request offset by the bytes already delivered, up to maxRetries,
// and the consumer observes neither a gap nor a duplicate byte.
type resilientSource struct {
	ctx        context.Context
	cancel     context.CancelFunc
	client     Client
	url        string
	timeout    time.Duration
	index      int
	rng        Range
	maxRetries int
	backoff    []time.Duration
	onRetry    func(RetryEvent)
	debugOut   *log.Logger

	mu             sync.Mutex
	body           io.ReadCloser
	bytesDelivered int64
	retryCount     int
	destroyed      bool
}

func newResilientSource(ctx context.Context, client Client, url string, timeout time.Duration, index int, rng Range, maxRetries int, onRetry func(RetryEvent), debugOut *log.Logger) *resilientSource {
	cctx, cancel := context.WithCancel(ctx)
	if maxRetries < 0 {
		maxRetries = 1 << 30 // treat "infinite" as a very large, finite budget
	}
	if debugOut == nil {
		debugOut = log.New(io.Discard, "", 0)
	}
	return &resilientSource{
		ctx:        cctx,
		cancel:     cancel,
		client:     client,
		url:        url,
		timeout:    timeout,
		index:      index,
		rng:        rng,
		maxRetries: maxRetries,
		backoff:    retrier.ConstantBackoff(maxRetries+1, 100*time.Millisecond),
		onRetry:    onRetry,
		debugOut:   debugOut,
	}
}

// open issues the (re)start request, positioned at bytesDelivered bytes
// into the segment's range.
func (s *resilientSource) open() error {
	min := s.rng.Min + s.bytesDelivered
	var rangeHeader string
	if s.rng.Open() {
		rangeHeader = fmt.Sprintf("bytes=%d-", min)
	} else {
		rangeHeader = fmt.Sprintf("bytes=%d-%d", min, s.rng.Max)
	}

	reqCtx := s.ctx
	if s.timeout > 0 {
		reqCtx, _ = context.WithTimeout(s.ctx, s.timeout)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", rangeHeader)

	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		res.Body.Close()
		return &NetException{Status: res.StatusCode, StatusText: res.Status}
	}
	s.body = res.Body
	return nil
}

// Read implements io.Reader, transparently restarting the underlying
// request on any transport error until retries are exhausted.
func (s *resilientSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.destroyed {
			return 0, io.EOF
		}
		if s.body == nil {
			if err := s.open(); err != nil {
				if retryErr := s.retry(err); retryErr != nil {
					return 0, retryErr
				}
				continue
			}
		}

		n, err := s.body.Read(p)
		if n > 0 {
			s.bytesDelivered += int64(n)
		}
		if err == nil || err == io.EOF {
			return n, err
		}

		// Mid-stream transport error: close out the broken body and retry.
		s.body.Close()
		s.body = nil
		if retryErr := s.retry(err); retryErr != nil {
			return n, retryErr
		}
		if n > 0 {
			return n, nil
		}
	}
}

// retry bumps the retry counter, fires a retry event, and sleeps the
// configured backoff. Returns a non-nil *SegmentExhausted once retries run
// out.
func (s *resilientSource) retry(cause error) error {
	if s.retryCount >= s.maxRetries {
		return &SegmentExhausted{Index: s.index, LastErr: cause}
	}
	s.retryCount++
	s.debugOut.Printf("segment %d retry %d/%d fired: %v", s.index, s.retryCount, s.maxRetries, cause)
	if s.onRetry != nil {
		s.onRetry(RetryEvent{
			Index:      s.index,
			RetryCount: s.retryCount,
			MaxRetries: s.maxRetries,
			BytesRead:  s.bytesDelivered,
			TotalBytes: s.rng.Size(),
			LastErr:    cause,
		})
	}
	if s.retryCount-1 < len(s.backoff) {
		wait := s.backoff[s.retryCount-1]
		s.mu.Unlock()
		time.Sleep(wait)
		s.mu.Lock()
	}
	return nil
}

// destroy aborts the in-flight request and makes the source terminal
// without further events, per spec.md §4.2/§5.
func (s *resilientSource) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.cancel()
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
}
