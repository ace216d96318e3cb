package types

import "time"

// EscalationStatus tracks a human hand-off from creation to resume
type EscalationStatus string

const (
	EscalationPending      EscalationStatus = "pending"
	EscalationResolved     EscalationStatus = "resolved"
	EscalationResumed      EscalationStatus = "resumed"
	EscalationResumeFailed EscalationStatus = "resume-failed"
)

// Escalation records a task handed to a human. Once a human writes a
// Resolution and marks it resolved, the resume scheduler re-admits the task.
type Escalation struct {
	ID                string           `json:"id" db:"id"`
	TaskPath          string           `json:"task_path" db:"task_path"`
	Repo              string           `json:"repo" db:"repo"`
	IssueNumber       int              `json:"issue_number" db:"issue_number"`
	Reason            string           `json:"reason" db:"reason"`
	Status            EscalationStatus `json:"status" db:"status"`
	Resolution        string           `json:"resolution,omitempty" db:"resolution"`
	RecheckAfter      *time.Time       `json:"recheck_after,omitempty" db:"recheck_after"`
	ResumeAttemptedAt *time.Time       `json:"resume_attempted_at,omitempty" db:"resume_attempted_at"`
	ResumeError       string           `json:"resume_error,omitempty" db:"resume_error"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}
