// Package event provides the priority-tiered publish/subscribe bus that
// consumes hook-generated events.
//
// Every intercepted action produces up to two event instances: one with
// Time Before, dispatched before the original code runs, and one with Time
// After, dispatched only if the original ran. A Before listener may cancel a
// cancellable event, which makes the hook skip the original and the After
// dispatch for that invocation.
//
// # Ordering
//
// Listeners are grouped in four tiers, dispatched in strict order:
//
//	Highest > AboveDefault > Default > Lowest
//
// Within a tier, listeners run in subscription order. A listener receives
// the same event value as every other listener of the dispatch, so a
// cancellation or payload change made by an earlier listener is visible to
// later ones.
//
// # Removal
//
// Remove marks a listener as removed. The entry stays in its tier, skipped
// by every dispatch, until the next outermost dispatch of that tier erases
// it. A listener may therefore remove itself, or any other listener, from
// inside a callback without disturbing the pass in progress.
//
// # Failures
//
// A listener that returns an error or panics is logged with its id and
// name; the remaining listeners, and the host action, still run.
package event
