package monitor

import (
	"strings"
	"time"
)

// Status is the tri-state acceptance signal derived for a target.
type Status string

// Status values persisted in status_latest.status and status_events.status.
const (
	StatusAccepting    Status = "accepting"
	StatusNotAccepting Status = "not_accepting"
	StatusUnknown      Status = "unknown"
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusAccepting, StatusNotAccepting, StatusUnknown:
		return true
	default:
		return false
	}
}

// Source names the page type that produced a verdict.
type Source string

// Page sources checked by the two-page protocol.
const (
	SourceAppointments Source = "appointments"
	SourceMain         Source = "main"
)

// Reason codes assigned outside the classifier.
const (
	ReasonFetchFailed = "fetch_failed"
)

// Bounds applied to persisted free text.
const (
	MaxEvidenceRunes = 300
	MaxErrorRunes    = 500
)

// appointmentsSuffix is appended to a canonical URL to reach the appointments page.
const appointmentsSuffix = "/appointments"

// Target is a monitored practice page.
type Target struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	LocationHint string `json:"location_hint"`
	CanonicalURL string `json:"canonical_url"`
}

// AppointmentsURL returns the status-specific page checked first for a target.
func (t Target) AppointmentsURL() string {
	return strings.TrimRight(t.CanonicalURL, "/") + appointmentsSuffix
}

// MainURL returns the canonical base page used as a fallback.
func (t Target) MainURL() string {
	return t.CanonicalURL
}

// CandidateRef is a parsed discovery hit.
type CandidateRef struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	DisplayName string `json:"display_name,omitempty"`
}

// Target converts the candidate into a Target owned by the given location hint.
func (c CandidateRef) Target(locationHint string) Target {
	return Target{
		ID:           c.ID,
		DisplayName:  c.DisplayName,
		LocationHint: NormalizeLocation(locationHint),
		CanonicalURL: c.URL,
	}
}

// Verdict is the classifier output for a single page.
type Verdict struct {
	Status     Status `json:"status"`
	Lock       bool   `json:"lock"`
	ReasonCode string `json:"reason_code"`
	Evidence   string `json:"evidence,omitempty"`
	// Partial marks a restricted acceptance (for example children only).
	Partial bool `json:"partial,omitempty"`
}

// Page is a fetched document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	FromCache  bool
	FetchedAt  time.Time
	Duration   time.Duration
}

// StatusRecord is the latest known status for a target. Exactly one exists per
// checked target; CheckedAt never moves backwards.
type StatusRecord struct {
	TargetID    string    `json:"target_id"`
	Status      Status    `json:"status"`
	Partial     bool      `json:"partial"`
	Evidence    string    `json:"evidence,omitempty"`
	Source      Source    `json:"source"`
	ReasonCode  string    `json:"reason_code"`
	CheckedAt   time.Time `json:"checked_at"`
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
	SnapshotURI string    `json:"snapshot_uri,omitempty"`
}

// NewStatusRecord builds a successful record from a verdict.
func NewStatusRecord(targetID string, verdict Verdict, source Source, checkedAt time.Time) StatusRecord {
	return StatusRecord{
		TargetID:   targetID,
		Status:     verdict.Status,
		Partial:    verdict.Partial,
		Evidence:   Truncate(verdict.Evidence, MaxEvidenceRunes),
		Source:     source,
		ReasonCode: verdict.ReasonCode,
		CheckedAt:  checkedAt,
		OK:         true,
	}
}

// FailedStatusRecord builds the record persisted when a check could not complete.
func FailedStatusRecord(targetID string, source Source, checkedAt time.Time, err error) StatusRecord {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return StatusRecord{
		TargetID:   targetID,
		Status:     StatusUnknown,
		Source:     source,
		ReasonCode: ReasonFetchFailed,
		CheckedAt:  checkedAt,
		OK:         false,
		Error:      Truncate(msg, MaxErrorRunes),
	}
}

// Accepting reports whether the record is a successful accepting verdict.
func (r StatusRecord) Accepting() bool {
	return r.OK && r.Status == StatusAccepting
}

// StatusEvent is one immutable row of the check history.
type StatusEvent struct {
	ID int64 `json:"id"`
	StatusRecord
}

// Subscription is a recipient's interest in a location and radius.
type Subscription struct {
	Recipient    string `json:"recipient" mapstructure:"recipient"`
	LocationHint string `json:"location_hint" mapstructure:"location_hint"`
	Radius       int    `json:"radius" mapstructure:"radius"`
}

// TargetQuery scopes store queries used for batch selection.
type TargetQuery struct {
	// LocationHints restricts results to targets discovered under these keys. Empty means all.
	LocationHints []string
	// IDs adds these targets to the scope whatever hint first discovered them.
	IDs   []string
	Limit int
}

// Scoped reports whether the query restricts targets at all.
func (q TargetQuery) Scoped() bool {
	return len(q.LocationHints) > 0 || len(q.IDs) > 0
}

// LedgerEntry records one successful notification to a recipient.
type LedgerEntry struct {
	ID                 int64     `json:"id"`
	Recipient          string    `json:"recipient"`
	WindowKey          string    `json:"window_key"`
	DisclosedTargetIDs []string  `json:"disclosed_target_ids"`
	SentAt             time.Time `json:"sent_at"`
}

// Assessment pairs a target with the status recorded for it during a cycle.
type Assessment struct {
	Target Target
	Record StatusRecord
}

// MessageTarget is one practice listed in a notification.
type MessageTarget struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
	Evidence    string `json:"evidence,omitempty"`
	Partial     bool   `json:"partial,omitempty"`
}

// Message is the payload handed to a Notifier.
type Message struct {
	ID           string          `json:"id"`
	Recipient    string          `json:"recipient"`
	GroupKey     string          `json:"group_key"`
	LocationHint string          `json:"location_hint"`
	Radius       int             `json:"radius"`
	Targets      []MessageTarget `json:"targets"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TargetIDs lists the IDs of the targets in the message.
func (m Message) TargetIDs() []string {
	ids := make([]string, 0, len(m.Targets))
	for _, t := range m.Targets {
		ids = append(ids, t.ID)
	}
	return ids
}

// Attributes returns routing attributes for message transports.
func (m Message) Attributes() map[string]string {
	return map[string]string{
		"recipient": m.Recipient,
		"group_key": m.GroupKey,
	}
}

// NotificationAttempt reports what the dispatcher decided for one recipient.
type NotificationAttempt struct {
	Recipient  string
	GroupKey   string
	TargetIDs  []string
	Sent       bool
	Skipped    bool
	SkipReason string
	Err        error
}

// CycleSummary is returned to the caller of a scan cycle.
type CycleSummary struct {
	CycleID           string    `json:"cycle_id"`
	TargetsScanned    int       `json:"targets_scanned"`
	NotificationsSent int       `json:"notifications_sent"`
	// ChecksFailed counts targets recorded with ok=false.
	ChecksFailed int `json:"checks_failed"`
	// StatusChanges counts successful checks whose status differs from the
	// previous successful check of the same target.
	StatusChanges int `json:"status_changes"`
	// Errors counts persistence and notification failures.
	Errors     int       `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Truncate shortens s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
