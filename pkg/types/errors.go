package types

import "errors"

// Sentinel errors for the federation layer. Callers match with errors.Is;
// wrap with fmt.Errorf("...: %w", err) to add context.
var (
	// ErrInsufficientReplicas means fewer alive replicas exist than the
	// configured quorum. The operation is aborted; consistency is never
	// silently weakened.
	ErrInsufficientReplicas = errors.New("insufficient alive replicas for quorum")

	// ErrStaleWrite means an incoming record's vector clock is dominated
	// by the stored one. The write is a no-op, not a failure.
	ErrStaleWrite = errors.New("stale write: vector clock dominated")

	// ErrNotFound means no live record exists under the requested hash.
	ErrNotFound = errors.New("rendezvous record not found")

	// Bootstrap trust failures. The whole response is discarded; the
	// last known good peer list is retained.
	ErrSignatureInvalid = errors.New("directory response signature invalid")
	ErrResponseStale    = errors.New("directory response timestamp outside freshness window")

	// ErrConfigInvalid marks configuration the node refuses to start with.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrShuttingDown is returned by client-facing calls after Stop.
	ErrShuttingDown = errors.New("node is shutting down")
)
