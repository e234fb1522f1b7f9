// Package storage is the optional persistence layer: an append-only audit of
// observer commands and a history of finished jobs.
//
// Queued and running jobs are never persisted; a restart discards them.
package storage
