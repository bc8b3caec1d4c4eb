// Package blob abstracts the artifact store. The control plane reads and
// writes task descriptors, transcripts, and session recordings through the
// Store interface; the production implementation is S3-compatible object
// storage and tests use the in-memory store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

type (
	// Store is the object-store contract the control plane relies on.
	Store interface {
		// Put writes an object, replacing any existing content.
		Put(ctx context.Context, key string, data []byte, contentType string) error
		// Get reads an object in full. Returns ErrNotFound for missing keys.
		Get(ctx context.Context, key string) ([]byte, error)
		// Delete removes an object. Deleting a missing key is not an error.
		Delete(ctx context.Context, key string) error
		// List returns the keys under a prefix.
		List(ctx context.Context, prefix string) ([]string, error)
		// DeletePrefix removes every object under a prefix and returns how
		// many were deleted.
		DeletePrefix(ctx context.Context, prefix string) (int, error)
		// PresignGet returns a time-limited download URL for an object.
		PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	}
)

// Object key layout. Every artifact a job or session produces lives under its
// owner's prefix so retention can purge by prefix.
func JobPrefix(jobID uuid.UUID) string  { return fmt.Sprintf("jobs/%s/", jobID) }
func JobAudioPrefix(jobID uuid.UUID) string { return fmt.Sprintf("jobs/%s/audio/", jobID) }
func JobTasksPrefix(jobID uuid.UUID) string { return fmt.Sprintf("jobs/%s/tasks/", jobID) }

// JobAudioKey is the uploaded source audio.
func JobAudioKey(jobID uuid.UUID, ext string) string {
	return fmt.Sprintf("jobs/%s/audio/original.%s", jobID, ext)
}

// TaskInputKey is the descriptor the orchestrator writes before a task
// becomes ready; engines read it on claim.
func TaskInputKey(jobID, taskID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/tasks/%s/input.json", jobID, taskID)
}

// TaskOutputKey is where an engine writes its result descriptor.
func TaskOutputKey(jobID, taskID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/tasks/%s/output.json", jobID, taskID)
}

// TranscriptKey is the final merged transcript.
func TranscriptKey(jobID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/transcript.json", jobID)
}

func SessionPrefix(sessionID uuid.UUID) string { return fmt.Sprintf("sessions/%s/", sessionID) }

// SessionAudioKey is the recorded session audio.
func SessionAudioKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("sessions/%s/audio.wav", sessionID)
}

// SessionTranscriptKey is the accumulated session transcript.
func SessionTranscriptKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("sessions/%s/transcript.json", sessionID)
}

// URI renders a logical artifact reference for a bucket and key.
func URI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// ParseURI splits a logical artifact reference into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an artifact uri: %q", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed artifact uri: %q", uri)
	}
	return bucket, key, nil
}
