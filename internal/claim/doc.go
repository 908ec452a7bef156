// Package claim hands out short leases on ingestion keys so that two workers
// never run check, fetch and persist for the same key at once.
package claim
