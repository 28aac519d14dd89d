package store

import "time"

// MemberStatus is the lifecycle state of a channel member.
// Transitions are monotonic forward except approved -> left; a left or
// rejected member may re-enter at pending on a new join request.
type MemberStatus string

const (
	MemberPending  MemberStatus = "pending"
	MemberApproved MemberStatus = "approved"
	MemberRejected MemberStatus = "rejected"
	MemberLeft     MemberStatus = "left"
)

// Member is one chat user known to the system. Exactly one document
// exists per platform user id; members are never hard-deleted.
type Member struct {
	UserID       int64        `bson:"user_id"       json:"user_id"`
	Username     string       `bson:"username,omitempty"   json:"username,omitempty"`
	FirstName    string       `bson:"first_name,omitempty" json:"first_name,omitempty"`
	LastName     string       `bson:"last_name,omitempty"  json:"last_name,omitempty"`
	Status       MemberStatus `bson:"status"        json:"status"`
	LinkID       string       `bson:"link_id,omitempty"    json:"link_id,omitempty"` // empty = unattributed
	JoinedAt     time.Time    `bson:"joined_at,omitempty"  json:"joined_at,omitempty"`
	LeftAt       time.Time    `bson:"left_at,omitempty"    json:"left_at,omitempty"`
	LastActivity time.Time    `bson:"last_activity,omitempty" json:"last_activity,omitempty"`
	CreatedAt    time.Time    `bson:"created_at"    json:"created_at"`
	UpdatedAt    time.Time    `bson:"updated_at"    json:"updated_at"`
}

// InviteLink is a shareable join link tracked for attribution.
// Uses is only ever mutated through a storage-level atomic increment.
type InviteLink struct {
	ID        string    `bson:"_id"        json:"id"`
	Token     string    `bson:"token"      json:"token"`
	Label     string    `bson:"label"      json:"label"`
	CreatedBy int64     `bson:"created_by" json:"created_by"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	ExpiresAt time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	Uses      int64     `bson:"uses"       json:"uses"`
	Revoked   bool      `bson:"revoked"    json:"revoked"`
}

// RunStatus is the lifecycle state of a broadcast run.
type RunStatus string

const (
	RunScheduled           RunStatus = "scheduled"
	RunInProgress          RunStatus = "in_progress"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunCancelled           RunStatus = "cancelled"
)

// Terminal reports whether the run status accepts no further mutation.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCompletedWithErrors, RunCancelled:
		return true
	}
	return false
}

// OutcomeStatus is the per-recipient delivery state inside a run.
type OutcomeStatus string

const (
	OutcomePending         OutcomeStatus = "pending"
	OutcomeSent            OutcomeStatus = "sent"
	OutcomeFailedPermanent OutcomeStatus = "failed_permanent"
	OutcomeFailedRetryable OutcomeStatus = "failed_retryable"
	OutcomeSkipped         OutcomeStatus = "skipped"
)

// Terminal reports whether the outcome needs no further attempts.
func (s OutcomeStatus) Terminal() bool {
	switch s {
	case OutcomeSent, OutcomeFailedPermanent, OutcomeSkipped:
		return true
	}
	return false
}

// Outcome is the delivery record for one recipient of a run.
// Outcomes are upserted by member id, which makes resume idempotent.
type Outcome struct {
	UserID      int64         `bson:"user_id"      json:"user_id"`
	Status      OutcomeStatus `bson:"status"       json:"status"`
	Attempts    int           `bson:"attempts"     json:"attempts"`
	LastAttempt time.Time     `bson:"last_attempt,omitempty" json:"last_attempt,omitempty"`
	Error       string        `bson:"error,omitempty"        json:"error,omitempty"`
}

// BroadcastRun is one administrator-initiated mass send. The recipient
// set is snapshotted into Outcomes at creation; the document becomes
// immutable once Status is terminal.
type BroadcastRun struct {
	ID          string             `bson:"_id"          json:"id"`
	Payload     string             `bson:"payload"      json:"payload"`
	CreatedBy   int64              `bson:"created_by"   json:"created_by"`
	CreatedAt   time.Time          `bson:"created_at"   json:"created_at"`
	Status      RunStatus          `bson:"status"       json:"status"`
	ScheduledAt time.Time          `bson:"scheduled_at,omitempty" json:"scheduled_at,omitempty"`
	CronExpr    string             `bson:"cron_expr,omitempty"    json:"cron_expr,omitempty"`
	Total       int                `bson:"total"        json:"total"`
	Outcomes    map[string]Outcome `bson:"outcomes"     json:"outcomes"` // keyed by decimal user id
}

// Progress sums the run's outcome states for operator reporting.
type Progress struct {
	Sent      int `json:"sent"`
	Pending   int `json:"pending"`
	Retryable int `json:"retryable"`
	Permanent int `json:"permanent"`
	Skipped   int `json:"skipped"`
}

func (r *BroadcastRun) Progress() Progress {
	var p Progress
	for _, o := range r.Outcomes {
		switch o.Status {
		case OutcomeSent:
			p.Sent++
		case OutcomePending:
			p.Pending++
		case OutcomeFailedRetryable:
			p.Retryable++
		case OutcomeFailedPermanent:
			p.Permanent++
		case OutcomeSkipped:
			p.Skipped++
		}
	}
	return p
}
