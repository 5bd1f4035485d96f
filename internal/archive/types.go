package archive

import "time"

// TranscriptRecord is the archived form of one finished call.
type TranscriptRecord struct {
	Version         string    `json:"version"` // "1.0"
	CallID          string    `json:"call_id"`
	PhoneHash       string    `json:"phone_hash"` // sha256 of caller phone
	ArchivedAt      time.Time `json:"archived_at"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Objective       string    `json:"objective,omitempty"`
	Outcome         string    `json:"outcome"`
	FinalState      string    `json:"final_state"`
	StatesVisited   []string  `json:"states_visited"`
	RecoveryLevel   string    `json:"recovery_level"`
	TurnCount       int       `json:"turn_count"`
	Entries         []Entry   `json:"entries"`
}

// Entry is a single utterance.
type Entry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	CallID     string `json:"call_id"`
	S3Key      string `json:"s3_key"`
	Objective  string `json:"objective,omitempty"`
	Outcome    string `json:"outcome"`
	ArchivedAt string `json:"archived_at"`
	TurnCount  int    `json:"turn_count"`
}
