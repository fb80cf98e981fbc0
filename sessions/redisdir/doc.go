// Package redisdir implements sessions.Directory on top of Redis.
//
// Each session is stored as a hash at "<prefix>user:<userID>". The field
// "acceptor_instance_id" names the acceptor serving the user; metadata fields
// are stored under "meta:<name>". The registration collaborator owns the write
// side (Put/Delete); the dispatch core performs a single HGETALL per lookup.
package redisdir
