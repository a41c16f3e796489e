// Package harness runs YAML work item scenarios against the use-case
// façade.
//
// Each scenario gets a fresh in-memory store, an in-process remote
// authority, a manual clock starting at the scenario's start time and
// sequential event ids ("evt-0001", ...), so the trace of a scenario is the
// same on every run and can be compared against a golden file.
//
// A scenario is a list of steps followed by assertions:
//
//	name: porosity_rework
//	description: A failed weld cannot be restarted without Restart.
//	actors:
//	  assembler-a: assembler
//	  inspector-1: qc_inspector
//	steps:
//	  - {action: claim, as: assembler-a, code: WO-100}
//	  - {action: start, as: assembler-a, code: WO-100}
//	  - {action: capture, as: inspector-1, code: WO-100, label: p1, tags: [defect]}
//	  - {action: qc_fail, as: inspector-1, code: WO-100, reason: porosity, evidence: [p1, p2]}
//	  - {action: start, as: assembler-a, code: WO-100, expect: INVALID_TRANSITION}
//	assertions:
//	  - {type: state, code: WO-100, expect: {status: QcFailed}}
//
// Lifecycle steps (register, claim, start, ready, qc_start, qc_pass, qc_fail,
// restart) and capture run as the step's actor. advance moves the clock,
// offline and online toggle the remote, sync runs one drain pass, remote
// pushes an event straight to the authority as if from another device,
// resolve and retry operate on the queue entry of a local event.
package harness
