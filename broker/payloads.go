package broker

import "time"

// SourceBluesky tags raw data payloads with their origin network.
const SourceBluesky = "bluesky"

// RawDataPayload accompanies job.raw_data: one envelope per keyword match.
type RawDataPayload struct {
	JobID        string    `json:"jobId"`
	TextContent  string    `json:"textContent"`
	Source       string    `json:"source"`
	SourceURL    string    `json:"sourceUrl"`
	AuthorName   *string   `json:"authorName"`
	Upvotes      *int      `json:"upvotes,omitempty"`
	CommentCount *int      `json:"commentCount,omitempty"`
	PublishedAt  time.Time `json:"publishedAt"`
	CollectedAt  time.Time `json:"collectedAt"`
}

// InitialBatchCompletePayload signals the transition into the streaming
// phase, emitted immediately after a successful job registration.
type InitialBatchCompletePayload struct {
	JobID             string    `json:"jobId"`
	InitialBatchCount int       `json:"initialBatchCount"`
	CompletedAt       time.Time `json:"completedAt"`
	StreamingActive   bool      `json:"streamingActive"`
}

// IngestionCompletePayload is emitted on terminal completion.
type IngestionCompletePayload struct {
	JobID       string    `json:"jobId"`
	TotalItems  int64     `json:"totalItems"`
	CompletedAt time.Time `json:"completedAt"`
}

// FailedPayload is emitted on fatal registration or streaming failure.
type FailedPayload struct {
	JobID        string    `json:"jobId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage"`
	FailedAt     time.Time `json:"failedAt"`
}

// CompletePayload is emitted to the gateway on terminal completion.
type CompletePayload struct {
	JobID       string    `json:"jobId"`
	TotalItems  int64     `json:"totalItems"`
	CompletedAt time.Time `json:"completedAt"`
}

// DataUpdatePayload carries periodic progress counts to the gateway.
type DataUpdatePayload struct {
	JobID        string    `json:"jobId"`
	MatchedCount int64     `json:"matchedCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// StartPayload requests ingestion for a prompt.
type StartPayload struct {
	JobID         string `json:"jobId"`
	Prompt        string `json:"prompt"`
	DurationMS    int64  `json:"durationMs,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// CancelPayload requests cancellation of a running job.
type CancelPayload struct {
	JobID string `json:"jobId"`
}

// HealthCheckPayload is a liveness probe envelope.
type HealthCheckPayload struct {
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}
