// Package results defines the result bundle layout and moves bundles between
// the execution agent and the results store.
//
// Every job owns the prefix jobs/<job_uuid>/ in the results store:
//
//	jobs/<job_uuid>/results.zip   collected artifacts
//	jobs/<job_uuid>/summary.json  manifest: timeline, inventory, digests
//
// The summary is written after the archive, and both are durable before the
// agent publishes its completion event.
package results

import "path"

const (
	prefixRoot  = "jobs"
	archiveName = "results.zip"
	summaryName = "summary.json"
)

// Prefix returns the key prefix owned by a job, with a trailing slash.
func Prefix(jobUUID string) string {
	return path.Join(prefixRoot, jobUUID) + "/"
}

// ArchiveKey returns the key of a job's artifact archive.
func ArchiveKey(jobUUID string) string {
	return path.Join(prefixRoot, jobUUID, archiveName)
}

// SummaryKey returns the key of a job's summary manifest.
func SummaryKey(jobUUID string) string {
	return path.Join(prefixRoot, jobUUID, summaryName)
}
