// Package fsmutil carries small helpers around looplab/fsm.
package fsmutil

import (
	"context"

	"github.com/looplab/fsm"
)

// WrapEvent adapts an error-returning callback to the fsm.Callback shape,
// surfacing the error through the event.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}
