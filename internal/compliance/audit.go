// Package compliance keeps an audit trail of operator access to call data.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the kind of operator action.
type AuditEventType string

const (
	// EventCallViewed is logged when an operator reads a live call session.
	EventCallViewed AuditEventType = "admin.call_viewed"
	// EventContextMerged is logged when an operator writes collected fields.
	EventContextMerged AuditEventType = "admin.context_merged"
	// EventCallEnded is logged when an operator terminates a call.
	EventCallEnded AuditEventType = "admin.call_ended"
)

// AuditEvent represents an immutable audit record.
type AuditEvent struct {
	ID        string          `json:"id"`
	EventType AuditEventType  `json:"event_type"`
	Actor     string          `json:"actor"`
	CallID    string          `json:"call_id"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditDetails contains event-specific details. Field values written by an
// operator are never stored, only their names.
type AuditDetails struct {
	Fields []string `json:"fields,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// AuditService writes audit events to the audit_events table.
type AuditService struct {
	db  *sql.DB
	now func() time.Time
}

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB) *AuditService {
	if db == nil {
		panic("compliance: sql db required")
	}
	return &AuditService{db: db, now: time.Now}
}

// LogEvent records an audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if event.CallID == "" {
		return errors.New("compliance: call id required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	if event.Actor == "" {
		event.Actor = "unknown"
	}

	query := `
		INSERT INTO audit_events (id, event_type, actor, call_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.Actor,
		event.CallID,
		nullJSON(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}
	return nil
}

// LogCallViewed logs a read of a call session.
func (s *AuditService) LogCallViewed(ctx context.Context, actor, callID string) error {
	return s.LogEvent(ctx, AuditEvent{EventType: EventCallViewed, Actor: actor, CallID: callID})
}

// LogContextMerged logs which collected fields an operator set.
func (s *AuditService) LogContextMerged(ctx context.Context, actor, callID string, fields []string) error {
	details, _ := json.Marshal(AuditDetails{Fields: fields})
	return s.LogEvent(ctx, AuditEvent{EventType: EventContextMerged, Actor: actor, CallID: callID, Details: details})
}

// LogCallEnded logs an operator termination.
func (s *AuditService) LogCallEnded(ctx context.Context, actor, callID, reason string) error {
	details, _ := json.Marshal(AuditDetails{Reason: reason})
	return s.LogEvent(ctx, AuditEvent{EventType: EventCallEnded, Actor: actor, CallID: callID, Details: details})
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	CallID    string
	Actor     string
	EventType AuditEventType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// QueryEvents retrieves audit events, newest first.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, actor, call_id, details, created_at
		FROM audit_events
		WHERE 1=1
	`
	var args []any
	argIdx := 1
	add := func(clause string, v any) {
		query += fmt.Sprintf(" AND "+clause, argIdx)
		args = append(args, v)
		argIdx++
	}
	if filter.CallID != "" {
		add("call_id = $%d", filter.CallID)
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if !filter.StartTime.IsZero() {
		add("created_at >= $%d", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		add("created_at <= $%d", filter.EndTime)
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var details []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.Actor, &e.CallID, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("compliance: failed to read audit events: %w", err)
	}
	return events, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
