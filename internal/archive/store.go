// Package archive stores call transcripts in S3 for quality review.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// S3API is the subset of the S3 client used by TranscriptStore.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// TranscriptStore archives finished call transcripts to S3.
type TranscriptStore struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
	now      func() time.Time
}

var _ dialogue.OutcomeRecorder = (*TranscriptStore)(nil)

// NewTranscriptStore creates the store. If bucket is empty, all operations are no-ops.
func NewTranscriptStore(s3Client S3API, bucket string, logger *logging.Logger) *TranscriptStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &TranscriptStore{bucket: bucket, s3Client: s3Client, logger: logger, now: time.Now}
}

// Enabled returns true if archival is configured.
func (s *TranscriptStore) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// RecordOutcome archives the session's transcript.
func (s *TranscriptStore) RecordOutcome(ctx context.Context, sess *dialogue.Session) error {
	if !s.Enabled() {
		return nil
	}
	return s.Archive(ctx, s.record(sess))
}

func (s *TranscriptStore) record(sess *dialogue.Session) *TranscriptRecord {
	entries := make([]Entry, 0, len(sess.Transcript))
	for _, e := range sess.Transcript {
		entries = append(entries, Entry{Role: e.Role, Text: e.Text, State: string(e.State), Timestamp: e.Timestamp.UTC()})
	}
	ScrubEntries(entries)
	states := make([]string, 0, len(sess.StatesVisited))
	for _, st := range sess.StatesVisited {
		states = append(states, string(st))
	}
	objective := sess.FinalObjective
	if objective == dialogue.ObjectiveNone {
		objective = sess.LockedObjective
	}
	return &TranscriptRecord{
		Version:         "1.0",
		CallID:          sess.CallID,
		PhoneHash:       HashPhone(sess.CallerPhone),
		ArchivedAt:      s.now().UTC(),
		StartedAt:       sess.CreatedAt.UTC(),
		DurationSeconds: int(sess.UpdatedAt.Sub(sess.CreatedAt).Seconds()),
		Objective:       string(objective),
		Outcome:         sess.Outcome,
		FinalState:      string(sess.State),
		StatesVisited:   states,
		RecoveryLevel:   sess.RecoveryLevel.String(),
		TurnCount:       sess.TurnCount,
		Entries:         entries,
	}
}

// Key is the object key for a call archived at the given time.
func Key(callID string, archivedAt time.Time) string {
	at := archivedAt.UTC()
	return fmt.Sprintf("transcripts/v1/by-date/%d/%02d/%02d/%s.json", at.Year(), at.Month(), at.Day(), callID)
}

// Archive writes the record as JSON and appends it to the monthly manifest.
func (s *TranscriptStore) Archive(ctx context.Context, record *TranscriptRecord) error {
	if !s.Enabled() {
		return nil
	}
	if record.ArchivedAt.IsZero() {
		record.ArchivedAt = s.now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}
	key := Key(record.CallID, record.ArchivedAt)
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	s.logger.Info("archived call transcript", "call_id", record.CallID, "s3_key", key, "entries", len(record.Entries))

	entry := ManifestEntry{
		CallID:     record.CallID,
		S3Key:      key,
		Objective:  record.Objective,
		Outcome:    record.Outcome,
		ArchivedAt: record.ArchivedAt.Format(time.RFC3339),
		TurnCount:  record.TurnCount,
	}
	if err := s.AppendManifest(ctx, record.ArchivedAt, entry); err != nil {
		// The transcript itself is stored; a missing manifest line is recoverable.
		s.logger.Warn("failed to append manifest", "error", err, "call_id", record.CallID)
	}
	return nil
}

// Get reads an archived transcript.
func (s *TranscriptStore) Get(ctx context.Context, callID string, archivedAt time.Time) (*TranscriptRecord, error) {
	if !s.Enabled() {
		return nil, errors.New("archive: not configured")
	}
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(callID, archivedAt)),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: s3 get: %w", err)
	}
	defer out.Body.Close()
	var rec TranscriptRecord
	if err := json.NewDecoder(out.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("archive: decode record: %w", err)
	}
	return &rec, nil
}

// AppendManifest appends a JSONL line to the monthly manifest file.
// S3 has no append, so this is a read-modify-write.
func (s *TranscriptStore) AppendManifest(ctx context.Context, at time.Time, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}
	at = at.UTC()
	manifestKey := fmt.Sprintf("transcripts/v1/manifests/%d-%02d.jsonl", at.Year(), at.Month())

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", manifestKey)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404")
}
