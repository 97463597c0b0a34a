package submission

import (
	"errors"
	"time"
)

var (
	ErrMissingArchiveKey    = errors.New("submission has no archive key")
	ErrMissingCorrelationID = errors.New("submission has no correlation id")
)

// Message is the Kafka payload for an asynchronous invoice submission.
// The document bytes live in the archive under ArchiveKey.
type Message struct {
	CorrelationID      string            `json:"correlation_id"`
	ArchiveKey         string            `json:"archive_key"`
	FileName           string            `json:"file_name"`
	ContentType        string            `json:"content_type"`
	Size               int64             `json:"size"`
	UserID             string            `json:"user_id,omitempty"`
	ForceReprocess     bool              `json:"force_reprocess,omitempty"`
	SkipDuplicateCheck bool              `json:"skip_duplicate_check,omitempty"`
	SkipValidation     bool              `json:"skip_validation,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SubmittedAt        time.Time         `json:"submitted_at"`
}

// Validate checks the fields the processor cannot work without
func (m *Message) Validate() error {
	if m.CorrelationID == "" {
		return ErrMissingCorrelationID
	}
	if m.ArchiveKey == "" {
		return ErrMissingArchiveKey
	}
	return nil
}
