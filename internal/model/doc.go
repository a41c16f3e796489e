// Package model defines the domain types shared by every floorlog component:
// work item states, lifecycle events, evidence, actors, sync queue entries and
// the typed errors returned by lifecycle operations.
//
// Types here carry no behavior beyond validation helpers. Folding events into
// state lives in the projector package; validating and appending events lives
// in the lifecycle package.
package model
