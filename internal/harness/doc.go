// Package harness runs conformance scenarios against the publishing engine.
//
// A scenario is a YAML file that installs plugin manifests, drives the
// engine through a flow of operations and asserts on the resulting trace
// and final state.
//
// # Scenario Format
//
//	name: cart_publish
//	description: "What this scenario validates"
//	scope: store-1
//	manifests:
//	  - plugins/loyalty.cue
//	setup:
//	  - invoke: baseline.capture
//	    args: { artifact_path: theme/cart.liquid, content: "..." }
//	flow:
//	  - invoke: draft.create
//	    args: { page_type: cart, tree: { root: [], nodes: [] } }
//	    as: v1
//	  - invoke: version.publish
//	    args: { version: $v1 }
//	    expect:
//	      case: Success
//	      result: { version: 1, status: published }
//	assertions:
//	  - type: trace_count
//	    action: version.publish
//	    count: 1
//	  - type: final_state
//	    query: config.effective
//	    args: { page_type: cart }
//	    expect: { version: 1 }
//
// A step's As binds the id it produced; later args refer to it as "$name".
// Expect.Case is "Success" or the error code the step must fail with.
//
// # Assertion Types
//
//   - trace_contains: an operation appears in the trace with matching args
//   - trace_order: operations appear in the specified order
//   - trace_count: an operation appears exactly N times
//   - final_state: a read-only operation returns the expected summary
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite store, a stepping clock and
// sequential ids, so traces are byte-stable and can be compared against
// golden files with RunWithGolden.
package harness
