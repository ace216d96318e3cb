package worker

import (
	"fmt"
	"strings"

	"github.com/3mdistal/ralph/pkg/types"
)

// buildTaskPrompt creates the agent prompt for a fresh task
func buildTaskPrompt(task *types.Task, baseBranch string) string {
	var prompt strings.Builder

	prompt.WriteString(fmt.Sprintf("Task: %s\n", task.Title))
	if task.IssueNumber > 0 {
		prompt.WriteString(fmt.Sprintf("Issue: %s\n", task.IssueRef()))
	}
	if task.Prompt != "" {
		prompt.WriteString(fmt.Sprintf("\n%s\n", task.Prompt))
	}

	prompt.WriteString("\nPlease implement this task completely. Commit your work on a new branch, push it, and open a pull request")
	if baseBranch != "" {
		prompt.WriteString(" against " + baseBranch)
	}
	if task.IssueNumber > 0 {
		prompt.WriteString(fmt.Sprintf(" whose description contains \"Closes #%d\"", task.IssueNumber))
	}
	prompt.WriteString(".")
	return prompt.String()
}

// buildResumePrompt continues a session after a human resolved an escalation
func buildResumePrompt(task *types.Task, message string) string {
	var prompt strings.Builder
	prompt.WriteString("A human has responded to your escalation")
	if task.IssueNumber > 0 {
		prompt.WriteString(" on " + task.IssueRef())
	}
	prompt.WriteString(":\n\n")
	prompt.WriteString(strings.TrimSpace(message))
	prompt.WriteString("\n\nContinue the task with this guidance and update the pull request.")
	return prompt.String()
}

// buildContinuePrompt picks up a session that was requeued before it finished
func buildContinuePrompt(task *types.Task) string {
	var prompt strings.Builder
	prompt.WriteString("Your previous run on this task was interrupted")
	if task.LastError != "" {
		prompt.WriteString(" (" + task.LastError + ")")
	}
	prompt.WriteString(". Check the state of the worktree and the pull request, then continue")
	if task.IssueNumber > 0 {
		prompt.WriteString(" working on " + task.IssueRef())
	}
	prompt.WriteString(".")
	return prompt.String()
}
