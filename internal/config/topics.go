package config

const (
	// TopicIngestDocument is the NSQ topic for staged documents waiting to be ingested.
	TopicIngestDocument = "ingest.document"

	// TopicIngestRetry carries explicit retry requests for failed documents.
	TopicIngestRetry = "ingest.retry"

	// ChannelIngestWorker is the consumer channel shared by ingest workers.
	ChannelIngestWorker = "ingest-worker"
)
