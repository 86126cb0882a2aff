// Package intake files inbound voice messages as CRM communications and
// queues them for transcription.
package intake

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPersistence indicates the communication record could not be stored.
	ErrPersistence = errors.New("persist communication")
	// ErrQueue indicates the processing job could not be enqueued.
	ErrQueue = errors.New("enqueue processing job")
)

// JobStatus is the lifecycle state of a processing job. Only JobQueued is
// written here; later states belong to the transcription worker.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// VoiceCommunication is the communication record written for one voice note.
type VoiceCommunication struct {
	ScopeID         string
	EntityID        string
	Channel         string
	ChannelID       string
	SourceMessageID string
	Metadata        map[string]any
	FileRef         string
	DurationSeconds int
	OccurredAt      time.Time
}

// ProcessingJob asks the transcription worker to process a communication.
type ProcessingJob struct {
	CommunicationID string
	SourceTransport string
	SourceMessageID string
	SourceFileRef   string
	Status          JobStatus
}

// CommunicationStore persists communication records. Inserting the same
// (channel, channel id, source message id) twice returns the existing id.
type CommunicationStore interface {
	InsertVoiceCommunication(ctx context.Context, comm VoiceCommunication) (string, error)
}

// JobQueue enqueues processing jobs. At most one job exists per communication.
type JobQueue interface {
	InsertProcessingJob(ctx context.Context, job ProcessingJob) error
}
