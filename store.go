package xget

// MiddlewareFunc populates the shared Store once, after a successful
// probe, given the resulting LoadData, per spec.md §3/§4.5.
type MiddlewareFunc func(LoadData, Store) error

// taggedMiddleware pairs a middleware function with its registration tag,
// preserving insertion order.
type taggedMiddleware struct {
	tag string
	fn  MiddlewareFunc
}
