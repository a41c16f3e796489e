package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/floorlog/internal/model"
)

// SequentialIDs generates "<prefix>-0001", "<prefix>-0002", ... so event ids
// in test output are stable and readable.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "evt".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "evt"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// StaticDevice reports a fixed device id.
type StaticDevice string

// DeviceID implements the device collaborator.
func (d StaticDevice) DeviceID() string { return string(d) }

// SwitchableAuth is an AuthRepository whose current actor tests can change.
type SwitchableAuth struct {
	mu    sync.Mutex
	actor model.Actor
	set   bool
}

// NewSwitchableAuth creates an auth repository signed in as actor.
func NewSwitchableAuth(actor model.Actor) *SwitchableAuth {
	return &SwitchableAuth{actor: actor, set: true}
}

// SignIn replaces the current actor.
func (a *SwitchableAuth) SignIn(actor model.Actor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actor = actor
	a.set = true
}

// SignOut clears the current actor.
func (a *SwitchableAuth) SignOut() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actor = model.Actor{}
	a.set = false
}

// CurrentActor returns the signed-in actor or an Unauthorized error.
func (a *SwitchableAuth) CurrentActor(ctx context.Context) (model.Actor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.set {
		return model.Actor{}, model.NewUnauthorized("", model.Actor{ID: "anonymous"}, "is not signed in")
	}
	return a.actor, nil
}
