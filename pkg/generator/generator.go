// Package generator defines the contract with the remote text-generation
// service: given an ordered conversation history it produces a lazy, finite,
// non-restartable sequence of text fragments, or fails.
package generator

import (
	"context"
	"errors"
)

// Done is returned by Stream.Next when the reply has been fully delivered.
// Iteration stops; Done is not an error condition.
var Done = errors.New("no more fragments")

// Turn is one {role, content} pair of the conversation history sent to the
// service.
type Turn struct {
	Role    string
	Content string
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider produces replies from a remote generative-language service.
type Provider interface {
	// Stream opens a generation request seeded with the given history. The
	// returned stream delivers fragments in the order the service produced
	// them. Cancelling ctx stops fragment delivery after at most one more
	// fragment; the underlying transport abort is best-effort.
	Stream(ctx context.Context, history []Turn) (Stream, error)
}

// Stream is a lazy, finite sequence of text fragments. Fragments are deltas,
// not cumulative snapshots: the concatenation of all fragments equals the
// full reply.
type Stream interface {
	// Next returns the next non-empty fragment. It returns Done at the normal
	// end of the reply, the context's error after cancellation, and any other
	// error on transport failure.
	Next() (string, error)

	// Close releases resources associated with this stream.
	Close() error
}
