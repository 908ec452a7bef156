// Package liturgy defines the data model shared by every process role: the
// ingestion worker, the read API and the job dispatcher. Entity shapes live
// here once so that producers and consumers never redeclare them.
package liturgy
