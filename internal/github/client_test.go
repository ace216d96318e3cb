package github

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/3mdistal/ralph/internal/mergeconflict"
)

type commandCall struct {
	Name string
	Args []string
}

// fakeRunner returns scripted output keyed by the full command line
type fakeRunner struct {
	calls []commandCall
	stubs map[string]string
	errs  map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{stubs: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeRunner) Script(name string, args []string, output string) {
	f.stubs[stubKey(name, args)] = output
}

func (f *fakeRunner) Fail(name string, args []string, err error) {
	f.errs[stubKey(name, args)] = err
}

func (f *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	f.calls = append(f.calls, commandCall{Name: name, Args: append([]string(nil), args...)})
	key := stubKey(name, args)
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	out, ok := f.stubs[key]
	if !ok {
		return "", fmt.Errorf("missing stub for command %s %s", name, strings.Join(args, " "))
	}
	return out, nil
}

func stubKey(name string, args []string) string {
	return fmt.Sprintf("%s\x00%s", name, strings.Join(args, "\x00"))
}

func TestViewPR(t *testing.T) {
	runner := newFakeRunner()
	runner.Script("gh", []string{"pr", "view", "7", "--repo", "acme/widgets", "--json", prViewFields}, `{
		"number": 7,
		"url": "https://github.com/acme/widgets/pull/7",
		"mergeStateStatus": "DIRTY",
		"headRefOid": "abc123",
		"headRefName": "ralph/issue-7",
		"baseRefName": "main",
		"isCrossRepository": false,
		"statusCheckRollup": [
			{"__typename": "CheckRun", "status": "COMPLETED", "conclusion": "SUCCESS"},
			{"__typename": "StatusContext", "state": "PENDING"}
		]
	}`)

	pr, err := NewClient(runner, "").ViewPR(context.Background(), "acme/widgets", 7)
	if err != nil {
		t.Fatalf("ViewPR failed: %v", err)
	}
	want := mergeconflict.PRState{
		Number:        7,
		URL:           "https://github.com/acme/widgets/pull/7",
		MergeState:    mergeconflict.MergeStateDirty,
		HeadSHA:       "abc123",
		HeadRef:       "ralph/issue-7",
		BaseRef:       "main",
		ChecksPending: true,
	}
	if *pr != want {
		t.Errorf("ViewPR = %+v, want %+v", *pr, want)
	}
}

func TestViewPR_Error(t *testing.T) {
	runner := newFakeRunner()
	runner.Fail("gh", []string{"pr", "view", "7", "--repo", "acme/widgets", "--json", prViewFields}, errors.New("no pull requests found"))

	if _, err := NewClient(runner, "").ViewPR(context.Background(), "acme/widgets", 7); err == nil {
		t.Fatal("expected error")
	}
}

func TestChecksPending(t *testing.T) {
	tests := []struct {
		name   string
		checks []checkRollup
		want   bool
	}{
		{"none", nil, false},
		{"all complete", []checkRollup{{Typename: "CheckRun", Status: "COMPLETED", Conclusion: "FAILURE"}}, false},
		{"in progress", []checkRollup{{Typename: "CheckRun", Status: "IN_PROGRESS"}}, true},
		{"queued", []checkRollup{{Typename: "CheckRun", Status: "QUEUED"}}, true},
		{"status success", []checkRollup{{Typename: "StatusContext", State: "SUCCESS"}}, false},
		{"status expected", []checkRollup{{Typename: "StatusContext", State: "EXPECTED"}}, true},
		{"untyped pending state", []checkRollup{{State: "pending"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checksPending(tt.checks); got != tt.want {
				t.Errorf("checksPending = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindComment(t *testing.T) {
	runner := newFakeRunner()
	// gh --paginate prints one array per page
	runner.Script("gh", []string{"api", "--paginate", "repos/acme/widgets/issues/7/comments?per_page=100"},
		`[{"id": 1, "body": "looks good"}]`+"\n"+
			`[{"id": 2, "body": "<!-- ralph:merge-conflict -->\nstate"}, {"id": 3, "body": "<!-- ralph:merge-conflict -->\nnewer"}]`)

	c, err := NewClient(runner, "").FindComment(context.Background(), "acme/widgets", 7, mergeconflict.CommentMarker)
	if err != nil {
		t.Fatalf("FindComment failed: %v", err)
	}
	if c == nil || c.ID != 2 {
		t.Fatalf("FindComment = %+v, want comment 2", c)
	}
}

func TestFindComment_None(t *testing.T) {
	runner := newFakeRunner()
	runner.Script("gh", []string{"api", "--paginate", "repos/acme/widgets/issues/7/comments?per_page=100"}, "[]")

	c, err := NewClient(runner, "").FindComment(context.Background(), "acme/widgets", 7, mergeconflict.CommentMarker)
	if err != nil {
		t.Fatalf("FindComment failed: %v", err)
	}
	if c != nil {
		t.Fatalf("expected no comment, got %+v", c)
	}
}

func TestUpsertComment(t *testing.T) {
	runner := newFakeRunner()
	runner.Script("gh", []string{"api", "-X", "POST", "repos/acme/widgets/issues/7/comments", "-f", "body=hello"}, `{"id": 42}`)
	runner.Script("gh", []string{"api", "-X", "PATCH", "repos/acme/widgets/issues/comments/42", "-f", "body=updated"}, `{"id": 42}`)
	client := NewClient(runner, "")

	id, err := client.UpsertComment(context.Background(), "acme/widgets", 7, 0, "hello")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if id != 42 {
		t.Errorf("created id = %d, want 42", id)
	}

	id, err = client.UpsertComment(context.Background(), "acme/widgets", 7, 42, "updated")
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if id != 42 {
		t.Errorf("updated id = %d, want 42", id)
	}
	if len(runner.calls) != 2 {
		t.Errorf("expected 2 gh calls, got %d", len(runner.calls))
	}
}

func TestLabels(t *testing.T) {
	runner := newFakeRunner()
	runner.Script("gh", []string{"pr", "edit", "7", "--repo", "acme/widgets", "--add-label", "ralph:merge-conflict"}, "")
	runner.Fail("gh", []string{"pr", "edit", "7", "--repo", "acme/widgets", "--remove-label", "ralph:merge-conflict"}, errors.New("label not found"))
	client := NewClient(runner, "")

	if err := client.AddLabels(context.Background(), "acme/widgets", 7, mergeconflict.LabelInProgress); err != nil {
		t.Errorf("AddLabels failed: %v", err)
	}
	if err := client.RemoveLabels(context.Background(), "acme/widgets", 7, mergeconflict.LabelInProgress); err == nil {
		t.Error("expected RemoveLabels error")
	}
	if err := client.AddLabels(context.Background(), "acme/widgets", 7); err != nil {
		t.Errorf("AddLabels with no labels should be a no-op: %v", err)
	}
	if len(runner.calls) != 2 {
		t.Errorf("expected 2 gh calls, got %d", len(runner.calls))
	}
}

func TestFindPRForIssue(t *testing.T) {
	runner := newFakeRunner()
	runner.Script("gh", []string{"pr", "list", "--repo", "acme/widgets", "--state", "open",
		"--search", "#12 in:body", "--json", "number,url,headRefName,body"}, `[
		{"number": 30, "url": "u30", "headRefName": "other", "body": "Fixes #123"},
		{"number": 31, "url": "u31", "headRefName": "ralph/issue-12", "body": "Closes #12."}
	]`)

	ref, err := NewClient(runner, "").FindPRForIssue(context.Background(), "acme/widgets", 12)
	if err != nil {
		t.Fatalf("FindPRForIssue failed: %v", err)
	}
	if ref == nil || ref.Number != 31 || ref.HeadRef != "ralph/issue-12" {
		t.Fatalf("FindPRForIssue = %+v, want PR 31", ref)
	}
}

func TestFindPRForIssue_None(t *testing.T) {
	runner := newFakeRunner()
	runner.Script("gh", []string{"pr", "list", "--repo", "acme/widgets", "--state", "open",
		"--search", "#12 in:body", "--json", "number,url,headRefName,body"}, `[]`)

	ref, err := NewClient(runner, "").FindPRForIssue(context.Background(), "acme/widgets", 12)
	if err != nil {
		t.Fatalf("FindPRForIssue failed: %v", err)
	}
	if ref != nil {
		t.Fatalf("expected no PR, got %+v", ref)
	}
}
