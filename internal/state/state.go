package state

import "context"

// StateManager interface for persisting and recovering bot state. Values are stored as
// JSON, so LoadState returns them in their decoded generic form.
type StateManager interface {
	SaveState(ctx context.Context, state map[string]any) error
	LoadState(ctx context.Context) (map[string]any, error)
}
