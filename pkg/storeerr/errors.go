// Package storeerr defines the error taxonomy shared across the store's
// layers: fatal corruption, I/O, parse/plan, runtime evaluation,
// temporal, quota/limit, and concurrency errors. Each kind is a sentinel
// that callers can match with errors.Is; wrapped with context via %w.
package storeerr

import "errors"

var (
	// ErrCorruption marks fatal page/header/WAL corruption. Once returned,
	// the store that produced it must be treated as read-only.
	ErrCorruption = errors.New("store: fatal corruption")

	// ErrIO wraps an underlying file/os failure. Surfaced verbatim to the
	// caller; retry policy is the caller's decision.
	ErrIO = errors.New("store: i/o error")

	// ErrPlan marks a malformed algebra/AST that failed static validation
	// (e.g. SELECT * with GROUP BY, duplicate aggregate alias, unsupported
	// construct). No side effects on the store occur before this is returned.
	ErrPlan = errors.New("store: plan error")

	// ErrEval marks a runtime expression evaluation failure (arithmetic on
	// non-numeric operands, regex on a non-string). Filter contexts absorb
	// this locally per SPARQL's error-as-false rule; it only propagates from
	// contexts that must surface it (e.g. BIND is allowed to leave a
	// variable unbound instead, so it never returns this error).
	ErrEval = errors.New("store: evaluation error")

	// ErrTemporal marks a malformed AS OF / DURING literal, rejected at plan
	// time before execution starts.
	ErrTemporal = errors.New("store: temporal error")

	// ErrQuota marks a configured limit being exceeded: subquery recursion
	// depth, property-path step budget.
	ErrQuota = errors.New("store: quota exceeded")

	// ErrConcurrency marks a writer-lock acquisition timeout.
	ErrConcurrency = errors.New("store: concurrency error")

	// ErrNotFound is returned by point lookups (atom resolve, index get)
	// that find nothing; it is not itself a fatal condition.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned by CREATE GRAPH without SILENT when the
	// target graph already holds current content.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrTimeout marks a query whose configured deadline expired between
	// two produced solutions.
	ErrTimeout = errors.New("store: timeout")

	// ErrClosed is returned by any operation attempted after the store (or
	// a derived snapshot/iterator) has been closed or dropped.
	ErrClosed = errors.New("store: closed")
)
