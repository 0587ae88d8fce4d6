// Package parley orchestrates assistant runs: it resolves the caller's
// session, leases the conversation thread, streams the provider's events
// through the canonical relay, executes requested tools and records
// usage once the run settles.
//
// The Engine is the composition root. Collaborators default to
// production implementations built from Config and can be swapped
// through options:
//
//	engine, err := parley.New(parley.ConfigFromEnv(),
//		parley.WithSnapshots(store.Memory()),
//	)
package parley
