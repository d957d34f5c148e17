// Package store provides SQLite-backed persistence for the publishing engine.
//
// Tables:
//   - baseline_artifacts: last-known-good artifact content, one per (scope, path)
//   - overlay_records: identity-keyed patches over a baseline
//   - configuration_versions: the version history of each (scope, page type)
//   - customization_records: plugin customizations, event and hook bindings
//   - handler_scripts: source code a binding's handler ref resolves to
//
// # Patterns
//
// Scope isolation
//   - every query filters by scope; callers never see another tenant's rows
//
// Deterministic reads
//   - every list query has a total ORDER BY ending in id COLLATE BINARY
//
// Serialized version writers
//   - WithVersionLock holds a per-(scope, page type) mutex and runs the
//     callback in one transaction, so version number allocation and the
//     single-current-edit rule can never interleave
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Tree, payload and customization bodies are stored as canonical JSON so
// the same value always produces the same bytes.
package store
