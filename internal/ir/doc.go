// Package ir holds the shared data model of the publishing engine.
//
// Every other internal package imports ir; ir imports nothing internal.
// The package defines:
//   - configuration versions, stages and legal stage transitions
//   - configuration trees and their structural validation
//   - baselines, overlays and the overlay payload union
//   - customization records, the customization data union and the
//     registration view used by the dispatcher
//   - the error taxonomy shared by all engines
//   - sealed Value types with RFC 8785 canonical JSON for hashing
//
// Key constraints:
//   - whole numbers are always Int; Float only carries fractions and
//     values outside the int64 range
//   - payload unions are sealed interfaces, never open maps
//   - all JSON tags use snake_case
//   - all entities are owned by exactly one scope
package ir
