// Package ai ties the runtime's pieces together into the single value
// constructed at startup (spec §5 "the orchestrator is a single value
// constructed at startup"), grounded on the teacher's root doc.go/app.go
// shape: a top-level New that resolves configuration, builds the
// persistent store, the provider/workflow registries, the tool pool, and
// the streaming hub, and wires them into an *orchestrator.Orchestrator.
package ai
