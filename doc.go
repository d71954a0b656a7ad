// Package drivesdk defines the core types and helpers used across the
// cloud-drive client synchronization SDK: node and revision identifiers, the
// decrypted node model, the event union delivered by the per-scope polling
// loops, the error taxonomy surfaced to callers, and shared retry/concurrency
// utilities. Concrete backends live in subpackages such as cache (in-memory),
// redis and cassandra (persistent entity caches), while higher-level features
// include the node access/management pipelines, the event engine and the
// upload pipeline.
// It is designed to be extensible and modular, allowing for various cache
// backends to be implemented while sharing a common interface.
package drivesdk
