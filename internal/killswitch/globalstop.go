package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// StopState is the emergency-stop flag together with its provenance.
type StopState struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GlobalStop holds an in-memory view of the emergency-stop flag so the
// admission path can consult it without a database round trip. Local state
// changes update the view immediately; a refresh loop picks up changes made
// by other instances.
type GlobalStop struct {
	state atomic.Pointer[StopState]
}

// NewGlobalStop returns a GlobalStop in the disengaged state.
func NewGlobalStop() *GlobalStop {
	g := &GlobalStop{}
	g.state.Store(&StopState{})
	return g
}

// Active reports whether the emergency stop is currently engaged.
func (g *GlobalStop) Active() bool {
	return g.state.Load().Active
}

// State returns the current stop state.
func (g *GlobalStop) State() StopState {
	return *g.state.Load()
}

func (g *GlobalStop) set(s StopState) {
	g.state.Store(&s)
}

// StopReader is the read side of the persisted global-stop row.
type StopReader interface {
	Get(ctx context.Context) (*StopState, error)
}

// Refresh reloads the in-memory view from the persisted row once. Callers use
// it at startup so an instance restarted during an engaged stop does not
// briefly admit traffic.
func (g *GlobalStop) Refresh(ctx context.Context, store StopReader) error {
	state, err := store.Get(ctx)
	if err != nil {
		return fmt.Errorf("loading global stop state: %w", err)
	}
	g.set(*state)
	return nil
}

// RefreshLoop polls the persisted row and updates the in-memory view until
// ctx is cancelled. Read failures keep the last known state: a flapping
// database must not silently disengage an emergency stop.
func (g *GlobalStop) RefreshLoop(ctx context.Context, store StopReader, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := g.Refresh(ctx, store); err != nil {
				slog.Error("refreshing global stop state", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
