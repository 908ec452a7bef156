// Package ingest runs one fetch job: claim the key, check what is stored,
// fetch from the publisher, archive the raw payload, persist the aggregate
// and announce it.
//
// Each stage writes to the job's run log through a runlog.Recorder with the
// coarse phase codes defined in package liturgy.
package ingest
