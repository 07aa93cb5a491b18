// Package xget provides a chunked HTTP content retriever. Given a URL, it
// probes whether the origin supports byte-range requests, opens N parallel
// ranged connections over disjoint segments of the resource, reassembles
// the bytes in original order into a single output stream, and optionally
// computes a digest over the reassembled content. Each segment is
// independently retry-resilient.
//
// The zero-config entry point is New, which returns an *Xget wired up with
// sane defaults; Option functions customize chunk count, retry budget,
// middleware, and per-segment transformers before the probe runs.
package xget
