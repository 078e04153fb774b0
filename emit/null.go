package emit

import "context"

// NullEmitter discards all events — a zero-overhead no-op Emitter.
type NullEmitter struct{}

// NewNullEmitter builds an Emitter that discards everything.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (n *NullEmitter) Emit(event Event) {}

func (n *NullEmitter) EmitBatch(ctx context.Context, events []Event) error { return nil }

func (n *NullEmitter) Flush(ctx context.Context) error { return nil }
