package xget

// RetryEvent describes one retry, either of the metadata probe (Meta=true)
// or of a single segment, per spec.md §4.1/§4.2.
type RetryEvent struct {
	Dlid       string // correlation id of the Xget run that fired this event
	Meta       bool
	Index      int // segment index; meaningless when Meta is true
	RetryCount int
	MaxRetries int
	BytesRead  int64
	TotalBytes int64
	LastErr    error
}

// listeners holds the orchestrator's registered event callbacks, grouped
// by event name per spec.md §4.5.
type listeners struct {
	loaded []func(LoadData)
	set    []func(map[string]any)
	retry  []func(RetryEvent)
	end    []func()
	error  []func(error)
}

func (l *listeners) fireLoaded(ld LoadData) {
	for _, fn := range l.loaded {
		fn(ld)
	}
}

func (l *listeners) fireSet(store map[string]any) {
	for _, fn := range l.set {
		fn(store)
	}
}

func (l *listeners) fireRetry(ev RetryEvent) {
	for _, fn := range l.retry {
		fn(ev)
	}
}

func (l *listeners) fireEnd() {
	for _, fn := range l.end {
		fn()
	}
}

func (l *listeners) fireError(err error) {
	for _, fn := range l.error {
		fn(err)
	}
}
