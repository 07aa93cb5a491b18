package xget

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cognusion/go-recyclable"
	"github.com/cognusion/go-sequence"
	"github.com/cognusion/go-timings"
	"github.com/cognusion/semaphore"
)

// seq mints short, process-unique hash IDs used to tag a run's logs and
// events, mirroring go-rangetripper's package-level sequence.
var seq = sequence.New(0)

// rPool recycles the accumulation buffers used by the cache=false direct
// passthrough path, the same way go-rangetripper recycles its in-memory
// output buffer across RoundTrips.
var rPool = recyclable.NewBufferPool()

// State is an Xget instance's lifecycle stage, per spec.md §3.
type State int

// Lifecycle states, per spec.md §3: Constructed -> Probing -> Loaded ->
// Running -> (Ended | Errored | Destroyed).
const (
	StateConstructed State = iota
	StateProbing
	StateLoaded
	StateRunning
	StateEnded
	StateErrored
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "Constructed"
	case StateProbing:
		return "Probing"
	case StateLoaded:
		return "Loaded"
	case StateRunning:
		return "Running"
	case StateEnded:
		return "Ended"
	case StateErrored:
		return "Errored"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// infiniteRetries is the sentinel a caller passes to WithRetries to mean
// "never give up" (spec.md §6 allows `retries: ∞`).
const infiniteRetries = -1

type options struct {
	chunks      int
	retries     int
	timeout     time.Duration
	start       int64
	size        int64
	hasSize     bool
	hash        string
	cache       bool
	cacheSize   int64
	reallocate  bool
	nowarn      bool
	auto        bool
	use         []taggedTransformer
	with        []taggedMiddleware
	headHandler HeadHandler
	client      Client
}

func defaultOptions() options {
	return options{
		chunks:    5,
		retries:   5,
		timeout:   10 * time.Second,
		start:     0,
		cache:     true,
		cacheSize: DefaultCacheSize,
		auto:      true,
		client:    DefaultClient,
	}
}

// Option customizes an Xget instance at construction, per spec.md §6.
type Option func(*options) error

// WithChunks sets the target parallelism (non-negative; 0 selects the
// default of 5).
func WithChunks(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return &InvalidOption{Name: "chunks", Reason: "must be non-negative"}
		}
		if n == 0 {
			n = 5
		}
		o.chunks = n
		return nil
	}
}

// WithRetries sets the per-segment and meta-probe retry cap. Pass a
// negative value for an unbounded retry budget (spec.md's `∞`).
func WithRetries(n int) Option {
	return func(o *options) error {
		if n < 0 {
			o.retries = infiniteRetries
			return nil
		}
		o.retries = n
		return nil
	}
}

// WithTimeout sets the per-request inactivity timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return &InvalidOption{Name: "timeout", Reason: "must be non-negative"}
		}
		o.timeout = d
		return nil
	}
}

// WithStart sets the initial byte offset.
func WithStart(n int64) Option {
	return func(o *options) error {
		if n < 0 {
			return &InvalidOption{Name: "start", Reason: "must be non-negative"}
		}
		o.start = n
		return nil
	}
}

// WithSize caps the bytes consumed after start.
func WithSize(n int64) Option {
	return func(o *options) error {
		if n < 0 {
			return &InvalidOption{Name: "size", Reason: "must be non-negative"}
		}
		o.size = n
		o.hasSize = true
		return nil
	}
}

// WithHash configures a digest algorithm ("sha256", "sha1", "sha512", or
// "md5") to be computed over the reassembled output.
func WithHash(algo string) Option {
	return func(o *options) error {
		if algo != "" {
			if _, err := newHasherTap(algo); err != nil {
				return err
			}
		}
		o.hash = algo
		return nil
	}
}

// WithCache toggles the reassembly buffer. Disabling it (false) degrades
// to a direct passthrough with no segment overlap buffering.
func WithCache(enabled bool) Option {
	return func(o *options) error {
		o.cache = enabled
		return nil
	}
}

// WithCacheSize sets the reassembly buffer's capacity in bytes.
func WithCacheSize(n int64) Option {
	return func(o *options) error {
		if n <= 0 {
			return &InvalidOption{Name: "cacheSize", Reason: "must be positive"}
		}
		o.cacheSize = n
		return nil
	}
}

// WithReallocate selects the reassembly buffer's overflow-handling mode:
// true biases scheduling toward breadth across segments (spec.md §4.3).
func WithReallocate(enabled bool) Option {
	return func(o *options) error {
		o.reallocate = enabled
		return nil
	}
}

// WithNoCapacityWarning suppresses the oversize-cache warning.
func WithNoCapacityWarning(enabled bool) Option {
	return func(o *options) error {
		o.nowarn = enabled
		return nil
	}
}

// WithAuto controls whether probing begins at construction (true, the
// default) or is deferred until Start is called.
func WithAuto(enabled bool) Option {
	return func(o *options) error {
		o.auto = enabled
		return nil
	}
}

// WithClient overrides the Client used for the probe and segment fetches.
func WithClient(c Client) Option {
	return func(o *options) error {
		if c == nil {
			return &InvalidOption{Name: "client", Reason: "must not be nil"}
		}
		o.client = c
		return nil
	}
}

// Use registers a per-segment transformer factory under tag, applied in
// registration order, per spec.md §6.
func Use(tag string, fn TransformerFactory) Option {
	return func(o *options) error {
		if fn == nil {
			return &InvalidOption{Name: "use", Reason: "factory must not be nil"}
		}
		o.use = append(o.use, taggedTransformer{tag: tag, fn: fn})
		return nil
	}
}

// With registers a middleware function under tag, applied in registration
// order after a successful probe, per spec.md §6.
func With(tag string, fn MiddlewareFunc) Option {
	return func(o *options) error {
		if fn == nil {
			return &InvalidOption{Name: "with", Reason: "middleware must not be nil"}
		}
		o.with = append(o.with, taggedMiddleware{tag: tag, fn: fn})
		return nil
	}
}

// WithHeadHandler registers a probe-result interceptor, per spec.md §6.
func WithHeadHandler(fn HeadHandler) Option {
	return func(o *options) error {
		o.headHandler = fn
		return nil
	}
}

// segmentRuntime is the live state of one dispatched segment.
type segmentRuntime struct {
	index  int
	rng    Range
	source *resilientSource
}

// Xget is the fetch orchestrator: metadata probe, middleware evaluation,
// segment construction and wiring, and lifecycle events, per spec.md §4.5.
type Xget struct {
	TimingsOut *log.Logger
	DebugOut   *log.Logger

	url  string
	opts options
	dlid string

	mu        sync.Mutex
	state     State
	store     Store
	loadData  *LoadData
	segments  []*segmentRuntime
	buffer    *ReassemblyBuffer
	hasher    *hasherTap
	err       error
	listeners listeners

	startOnce  sync.Once
	started    bool
	requested  bool
	probeReady bool
	dispatchGo sync.Once
	destroyErr error
	destroyReq bool

	ctx    context.Context
	cancel context.CancelFunc

	pr *io.PipeReader
	pw *io.PipeWriter
}

// New constructs an Xget for url, applying opts in order. If the `auto`
// option is true (the default), probing begins immediately.
func New(url string, opts ...Option) (*Xget, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()

	x := &Xget{
		TimingsOut: log.New(io.Discard, "", 0),
		DebugOut:   log.New(io.Discard, "", 0),
		url:        url,
		opts:       o,
		dlid:       seq.NextHashID(),
		state:      StateConstructed,
		store:      make(Store),
		ctx:        ctx,
		cancel:     cancel,
		pr:         pr,
		pw:         pw,
	}

	if o.auto {
		x.Start()
	}
	return x, nil
}

// OnLoaded registers a callback fired after a successful probe, before
// `with` middleware runs.
func (x *Xget) OnLoaded(fn func(LoadData)) { x.listeners.loaded = append(x.listeners.loaded, fn) }

// OnSet registers a callback fired after all `with` middlewares populate
// the store.
func (x *Xget) OnSet(fn func(map[string]any)) { x.listeners.set = append(x.listeners.set, fn) }

// OnRetry registers a callback fired on every meta or per-segment retry.
func (x *Xget) OnRetry(fn func(RetryEvent)) { x.listeners.retry = append(x.listeners.retry, fn) }

// OnEnd registers a callback fired after all segments drain and the
// hasher (if any) finalizes.
func (x *Xget) OnEnd(fn func()) { x.listeners.end = append(x.listeners.end, fn) }

// OnError registers a callback fired on terminal failure.
func (x *Xget) OnError(fn func(error)) { x.listeners.error = append(x.listeners.error, fn) }

// UseTransformer registers a per-segment transformer factory. It is an
// error to call this once probing has started, per spec.md §6.
func (x *Xget) UseTransformer(tag string, fn TransformerFactory) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != StateConstructed {
		return ErrAlreadyLoaded
	}
	x.opts.use = append(x.opts.use, taggedTransformer{tag: tag, fn: fn})
	return nil
}

// WithMiddleware registers a `with` middleware. It is an error to call
// this once probing has started, per spec.md §6.
func (x *Xget) WithMiddleware(tag string, fn MiddlewareFunc) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != StateConstructed {
		return ErrAlreadyLoaded
	}
	x.opts.with = append(x.opts.with, taggedMiddleware{tag: tag, fn: fn})
	return nil
}

// SetHeadHandler replaces the probe interceptor. Returns false once
// probing has started, per spec.md §6.
func (x *Xget) SetHeadHandler(fn HeadHandler) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != StateConstructed {
		return false
	}
	x.opts.headHandler = fn
	return true
}

// SetCacheSize resizes the reassembly buffer's capacity.
func (x *Xget) SetCacheSize(n int64) error {
	x.mu.Lock()
	buf := x.buffer
	x.mu.Unlock()
	if buf == nil {
		x.opts.cacheSize = n
		return nil
	}
	return buf.SetCapacity(n)
}

// GetHash returns a digest snapshot, or ("", false) if no hash algorithm
// was configured.
func (x *Xget) GetHash(encoding string) (string, bool) {
	x.mu.Lock()
	h := x.hasher
	x.mu.Unlock()
	if h == nil {
		return "", false
	}
	return h.Snapshot(encoding), true
}

// Start begins probing when auto=false. A second call is a no-op and
// returns false.
func (x *Xget) Start() bool {
	started := false
	x.startOnce.Do(func() {
		started = true
		x.mu.Lock()
		x.state = StateProbing
		x.mu.Unlock()
		go x.run()
	})
	return started
}

// Read implements io.Reader over the reassembled, ordered output. The
// first call marks the instance "requested"; segment dispatch only begins
// once both the probe is complete and the first pull has occurred, per
// spec.md §4.5.
func (x *Xget) Read(p []byte) (int, error) {
	x.mu.Lock()
	x.requested = true
	ready := x.probeReady
	x.mu.Unlock()
	if ready {
		x.dispatchGo.Do(x.dispatchSegments)
	}
	return x.pr.Read(p)
}

// Pipe copies the reassembled output to w, driving the fetch to
// completion.
func (x *Xget) Pipe(w io.Writer) (int64, error) {
	return io.Copy(w, x)
}

// Destroy aborts all segments and makes the instance terminal. If called
// before the probe completes, execution is deferred until `loaded` fires,
// per spec.md §5.
func (x *Xget) Destroy(cause error) {
	x.mu.Lock()
	if !x.probeReady {
		x.destroyReq = true
		x.destroyErr = cause
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()
	x.destroyNow(cause)
}

func (x *Xget) destroyNow(cause error) {
	x.mu.Lock()
	if x.state == StateDestroyed || x.state == StateEnded || x.state == StateErrored {
		x.mu.Unlock()
		return
	}
	x.state = StateDestroyed
	segs := x.segments
	x.mu.Unlock()

	x.cancel()
	for _, s := range segs {
		s.source.destroy()
	}
	x.pw.CloseWithError(io.EOF)
	if cause != nil {
		x.listeners.fireError(cause)
	}
}

// run drives the probe, middleware evaluation, and segment construction.
// It executes on its own goroutine, started by Start.
func (x *Xget) run() {
	defer timings.Track(fmt.Sprintf("[%s] xget run", x.dlid), time.Now(), x.TimingsOut)

	var res *http.Response
	var err error
	func() {
		defer timings.Track(fmt.Sprintf("[%s] probe", x.dlid), time.Now(), x.TimingsOut)
		res, err = probe(x.ctx, x.opts.client, x.opts.timeout, x.url, x.retryBudget(), x.onRetryEvent)
	}()
	if err != nil {
		x.fail(err)
		return
	}
	defer res.Body.Close()

	totalSize, acceptsRanges := parseProbeResponse(res)
	chunks := x.opts.chunks

	hr := ProbeResult{Chunks: chunks, Headers: res.Header, TotalSize: totalSize, AcceptsRanges: acceptsRanges}
	start := x.opts.start
	if x.opts.headHandler != nil {
		if offset, ok := x.opts.headHandler(hr); ok && offset >= 0 {
			start = offset
		}
	}
	if !acceptsRanges {
		start = 0
	}

	effectiveTotal := totalSize
	if x.opts.hasSize && totalSize != unknownSize {
		capped := start + x.opts.size
		if capped < totalSize {
			effectiveTotal = capped
		}
	} else if x.opts.hasSize && totalSize == unknownSize {
		effectiveTotal = start + x.opts.size
	}

	plan, err := planRanges(start, effectiveTotal, acceptsRanges, chunks)
	if err != nil {
		x.fail(err)
		return
	}
	x.DebugOut.Printf("[%s] plan computed: %d segment(s), start=%d, total=%d, chunkable=%v", x.dlid, len(plan), start, effectiveTotal, acceptsRanges)

	size := unknownSize
	if totalSize != unknownSize {
		size = totalSize - start
	}

	ld := LoadData{
		URL:       x.url,
		Size:      size,
		Start:     start,
		TotalSize: totalSize,
		Chunkable: acceptsRanges && totalSize != unknownSize,
		Headers:   res.Header,
		Plan:      plan,
	}

	x.mu.Lock()
	x.loadData = &ld
	x.state = StateLoaded
	x.mu.Unlock()
	x.listeners.fireLoaded(ld)

	x.mu.Lock()
	destroyReq, destroyErr := x.destroyReq, x.destroyErr
	x.mu.Unlock()
	if destroyReq {
		x.destroyNow(destroyErr)
		return
	}

	if err := x.applyMiddleware(ld); err != nil {
		x.fail(err)
		return
	}
	x.listeners.fireSet(x.store)

	if x.opts.hash != "" {
		h, err := newHasherTap(x.opts.hash)
		if err != nil {
			x.fail(err)
			return
		}
		x.mu.Lock()
		x.hasher = h
		x.mu.Unlock()
	}

	if len(plan) == 0 {
		// Zero-length success: spec.md §4.1's empty-plan edge case.
		x.mu.Lock()
		x.state = StateEnded
		x.mu.Unlock()
		x.listeners.fireEnd()
		x.pw.Close()
		return
	}

	var buffer *ReassemblyBuffer
	if x.opts.cache {
		buffer = NewReassemblyBuffer(len(plan), x.opts.cacheSize, x.opts.reallocate, x.opts.nowarn)
		buffer.warnOut = x.DebugOut
	}

	segs := make([]*segmentRuntime, len(plan))
	for i, rng := range plan {
		maxRetries := x.retryBudget()
		if !ld.Chunkable {
			maxRetries = 1
		}
		segs[i] = &segmentRuntime{index: i, rng: rng}
		segs[i].source = newResilientSource(x.ctx, x.opts.client, x.url, x.opts.timeout, i, rng, maxRetries, x.onRetryEvent, x.DebugOut)
	}

	x.mu.Lock()
	x.segments = segs
	x.buffer = buffer
	x.probeReady = true
	requested := x.requested
	destroyReq, destroyErr = x.destroyReq, x.destroyErr
	x.mu.Unlock()

	if destroyReq {
		x.destroyNow(destroyErr)
		return
	}

	if requested {
		x.dispatchGo.Do(x.dispatchSegments)
	}
}

// retryBudget turns the configured retries option into a value segment
// sources and the probe understand (negative == infinite).
func (x *Xget) retryBudget() int {
	if x.opts.retries == infiniteRetries {
		return -1
	}
	return x.opts.retries
}

func (x *Xget) onRetryEvent(ev RetryEvent) {
	ev.Dlid = x.dlid
	x.listeners.fireRetry(ev)
}

// applyMiddleware runs each registered `with` function in order,
// populating the shared store, per spec.md §3/§4.5.
func (x *Xget) applyMiddleware(ld LoadData) error {
	for _, m := range x.opts.with {
		if err := m.fn(ld, x.store); err != nil {
			return &MiddlewareError{Tag: m.tag, Cause: err}
		}
	}
	return nil
}

// dispatchSegments spawns one goroutine per segment (resilient source ->
// transformer chain -> reassembly buffer slot) and the single merging
// goroutine that drains slots in index order into the output pipe, per
// spec.md §4.5's consumer-readiness gating and §5's ordering guarantees.
func (x *Xget) dispatchSegments() {
	x.mu.Lock()
	x.state = StateRunning
	segs := x.segments
	buffer := x.buffer
	x.mu.Unlock()

	if buffer == nil {
		// cache=false: no reassembly overlap, and no concurrency either.
		// runSequential drains one segment completely (chain built, request
		// issued, body read to EOF through a recyclable.Buffer sink) before
		// starting the next, strictly in index order.
		go x.runSequential(segs)
		return
	}

	sem := semaphore.NewSemaphore(len(segs) + 1)

	for _, s := range segs {
		sem.Lock()
		go func(s *segmentRuntime) {
			defer sem.Unlock()
			defer timings.Track(fmt.Sprintf("[%s] segment %d", x.dlid, s.index), time.Now(), x.TimingsOut)
			x.runSegment(s, buffer)
		}(s)
	}

	go x.merge(buffer, len(segs))
}

// buildChain wires a segment's resilient source through its registered
// transformer factories in registration order. Each factory receives the
// previous stage's output directly (the first receives the segment's
// resilient source) and returns a Transformer whose Read side becomes the
// next stage's input, per spec.md §4.4.
func (x *Xget) buildChain(handle SegmentHandle, source io.Reader) (io.Reader, []Transformer, error) {
	r := source
	var chain []Transformer
	for _, t := range x.opts.use {
		tr, err := t.fn(handle, x.store, r)
		if err != nil {
			return nil, nil, &TransformError{Tag: t.tag, Cause: err}
		}
		chain = append(chain, tr)
		r = tr
	}
	return r, chain, nil
}

// runSegment pipes one segment's resilient source through its
// transformer chain into its reassembly slot, per spec.md §4.4.
func (x *Xget) runSegment(s *segmentRuntime, buffer *ReassemblyBuffer) {
	handle := SegmentHandle{Index: s.index, Range: s.rng}
	r, chain, err := x.buildChain(handle, s.source)
	if err != nil {
		x.failTransform(handle, err)
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			buffer.Write(s.index, chunk)
		}
		if err == io.EOF {
			buffer.End(s.index)
			return
		}
		if err != nil {
			if len(chain) > 0 {
				x.failTransform(handle, err)
			} else {
				x.fail(err)
			}
			buffer.End(s.index)
			return
		}
	}
}

// runSequential drains segments strictly in index order, with no
// prefetch-ahead buffering, for the cache=false configuration. Each
// segment's bytes land in a pooled recyclable.Buffer (amortizing
// allocation the way go-rangetripper's rPool does for its in-memory
// output sink) before being copied to the output.
func (x *Xget) runSequential(segs []*segmentRuntime) {
	for _, s := range segs {
		handle := SegmentHandle{Index: s.index, Range: s.rng}
		r, chain, err := x.buildChain(handle, s.source)
		if err != nil {
			x.failTransform(handle, err)
			return
		}

		sink := rPool.Get()
		if _, err := io.Copy(sink, r); err != nil {
			if len(chain) > 0 {
				x.failTransform(handle, err)
			} else {
				x.fail(err)
			}
			sink.Close()
			return
		}

		x.mu.Lock()
		h := x.hasher
		x.mu.Unlock()

		var tee io.Writer = x.pw
		if h != nil {
			tee = io.MultiWriter(x.pw, h)
		}
		if _, err := io.Copy(tee, sink); err != nil {
			sink.Close()
			return
		}
		sink.Close()
	}

	x.mu.Lock()
	if x.state == StateRunning {
		x.state = StateEnded
	}
	x.mu.Unlock()
	x.listeners.fireEnd()
	x.pw.Close()
}

// merge drains every slot's reassembly buffer in index order into the
// output pipe and hasher tap, then fires `end`, per spec.md §4.5/§5.
func (x *Xget) merge(buffer *ReassemblyBuffer, numSegments int) {
	for i := 0; i < numSegments; i++ {
		for {
			data, ok := buffer.Read(i)
			if !ok {
				break
			}
			x.mu.Lock()
			h := x.hasher
			x.mu.Unlock()
			if h != nil {
				h.Write(data)
			}
			if _, err := x.pw.Write(data); err != nil {
				return
			}
		}
	}

	x.mu.Lock()
	if x.state == StateRunning {
		x.state = StateEnded
	}
	x.mu.Unlock()
	x.listeners.fireEnd()
	x.pw.Close()
}

func (x *Xget) fail(err error) {
	x.mu.Lock()
	if x.state == StateErrored || x.state == StateDestroyed {
		x.mu.Unlock()
		return
	}
	tagged := fmt.Errorf("[%s] %w", x.dlid, err)
	x.state = StateErrored
	x.err = tagged
	x.mu.Unlock()
	x.pw.CloseWithError(tagged)
	x.listeners.fireError(tagged)
}

// failTransform destroys all segments and surfaces cause as a
// *TransformError, per spec.md §4.4/§7. If cause is already a
// *TransformError (a factory construction failure, which already carries
// its registration tag), it is passed through untagged further.
func (x *Xget) failTransform(_ SegmentHandle, cause error) {
	x.mu.Lock()
	segs := x.segments
	x.mu.Unlock()
	for _, s := range segs {
		s.source.destroy()
	}
	if te, ok := cause.(*TransformError); ok {
		x.fail(te)
		return
	}
	x.fail(&TransformError{Cause: cause})
}
