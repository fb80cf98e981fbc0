// Package sessions defines the read-side view of the cluster-wide session
// directory: for each connected user, which acceptor instance currently holds
// the user's live connection.
//
// Layers & Roles
//
//	Registration collaborator -> writes sessions when users connect/disconnect
//	Directory                 -> point lookups by user id (read-only to the dispatch core)
//	Forwarder                 -> resolves a user's acceptor before delivering
//
// The directory is eventually consistent across the cluster. A value read by
// the dispatch tier may be momentarily stale (for example right after an
// acceptor failover); callers are expected to tolerate that rather than rely
// on atomic cross-node visibility.
//
// Implementations
//
//	memorydir : in-process map used for tests and single-node deployments
//	redisdir  : Redis hash per user for horizontally scaled deployments
//	filedir   : JSON file reloaded on change, for static or development setups
package sessions
