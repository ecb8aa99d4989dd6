package messaging

// Subject constants for the pipeline message bus.
// Follow the pattern: {domain}.{action}.{resource}
const (
	// File ingestion subjects - published by the intake watcher once a raw
	// file row is committed. The payload type is the final token so workers
	// can filter by type if ever sharded that way.
	SubjectFilesIngestedSettlement = "files.ingested.settlement"
	SubjectFilesIngestedDispute    = "files.ingested.dispute"
	SubjectFilesIngestedConfig     = "files.ingested.config"
	SubjectFilesIngestedUnknown    = "files.ingested.unknown"

	// Record change subjects - published by the ingestion worker after an
	// upsert materially changed a row. These are wake-up hints for the
	// dispatcher; the deliveries table is the source of truth.
	SubjectNotifySettlement = "notify.records.settlement"
	SubjectNotifyDispute    = "notify.records.dispute"
	SubjectNotifyConfig     = "notify.records.config"

	// Wildcards for consumers
	SubjectFilesIngestedAll = "files.ingested.>"
	SubjectNotifyAll        = "notify.records.>"
)

// Queue group names for load-balanced consumers.
// Workers in the same queue group share messages (each message processed once).
const (
	QueueDispatchWorkers = "dispatch-workers" // Pool of delivery dispatchers sharing wake-up nudges
)

// FileIngestedSubject returns the publication subject for a payload type.
// Unrecognized types map to the unknown subject rather than failing; the
// worker records the job failure, not the broker.
func FileIngestedSubject(payloadType string) string {
	switch payloadType {
	case "settlement":
		return SubjectFilesIngestedSettlement
	case "dispute":
		return SubjectFilesIngestedDispute
	case "config":
		return SubjectFilesIngestedConfig
	default:
		return SubjectFilesIngestedUnknown
	}
}

// NotifySubject returns the wake-up subject for a record kind.
func NotifySubject(kind string) string {
	switch kind {
	case "settlement":
		return SubjectNotifySettlement
	case "dispute":
		return SubjectNotifyDispute
	default:
		return SubjectNotifyConfig
	}
}
