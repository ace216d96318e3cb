// Package telemetry provides OpenTelemetry observability for Ralph
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for Ralph spans and metrics
const (
	// Task attributes
	KeyTaskPath   = "ralph.task.path"
	KeyTaskRepo   = "ralph.task.repo"
	KeyTaskIssue  = "ralph.task.issue"
	KeyTaskStatus = "ralph.task.status"

	// Admission attributes
	KeyDaemonID      = "ralph.daemon.id"
	KeyAdmitOutcome  = "ralph.admission.outcome"
	KeyDeferReason   = "ralph.admission.defer_reason"
	KeySlot          = "ralph.slot"
	KeyResolveMode   = "ralph.worktree.mode"
	KeyResolveResult = "ralph.worktree.result"

	// Worktree attributes
	KeyWorktreePath = "ralph.worktree.path"

	// Merge-conflict attributes
	KeyPRNumber         = "ralph.pr.number"
	KeyRecoveryAttempt  = "ralph.merge_conflict.attempt"
	KeyRecoverySig      = "ralph.merge_conflict.signature"
	KeyRecoveryOutcome  = "ralph.merge_conflict.outcome"
	KeyRecoveryCode     = "ralph.merge_conflict.code"
	KeyConflictCount    = "ralph.merge_conflict.conflict_count"
	KeyFailureClass     = "ralph.merge_conflict.failure_class"
	KeyEscalationID     = "ralph.escalation.id"
	KeyEscalationReason = "ralph.escalation.reason"

	// Agent attributes
	KeyAgentMode      = "ralph.agent.mode"
	KeyAgentSessionID = "ralph.agent.session_id"

	// Error attributes
	KeyErrorType     = "ralph.error.type"
	KeyErrorCategory = "ralph.error.category"
)

// Error categories
const (
	ErrorCategoryAgent    = "agent"
	ErrorCategoryGit      = "git"
	ErrorCategoryGitHub   = "github"
	ErrorCategoryWorktree = "worktree"
	ErrorCategoryDatabase = "database"
	ErrorCategoryTimeout  = "timeout"
	ErrorCategoryUnknown  = "unknown"
)

// TaskAttrs returns a set of attributes for a task
func TaskAttrs(path, repo string, issue int, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyTaskPath, path),
		attribute.String(KeyTaskRepo, repo),
		attribute.Int(KeyTaskIssue, issue),
		attribute.String(KeyTaskStatus, status),
	}
}

// PRAttrs returns a set of attributes for a pull request
func PRAttrs(repo string, number int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyTaskRepo, repo),
		attribute.Int(KeyPRNumber, number),
	}
}
