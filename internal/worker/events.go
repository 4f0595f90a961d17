package worker

// IngestDocumentPayload is published on config.TopicIngestDocument once an upload is staged on disk.
type IngestDocumentPayload struct {
	FileID        string `json:"file_id"`
	Path          string `json:"path"`
	FileName      string `json:"file_name"`
	Format        string `json:"format,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// IngestRetryPayload is published on config.TopicIngestRetry to resume a failed document.
type IngestRetryPayload struct {
	FileID        string `json:"file_id"`
	CorrelationID string `json:"correlation_id"`
}
