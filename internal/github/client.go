// Package github implements the engine's PR collaborators on top of the gh CLI
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/3mdistal/ralph/internal/git"
	"github.com/3mdistal/ralph/internal/mergeconflict"
)

// PRRef identifies an open pull request
type PRRef struct {
	Number  int
	URL     string
	HeadRef string
}

// Client runs gh commands through a git.Runner
type Client struct {
	runner git.Runner
	ghPath string
}

// NewClient creates a gh-backed client. An empty ghPath means "gh" on PATH.
func NewClient(runner git.Runner, ghPath string) *Client {
	if runner == nil {
		runner = git.ExecRunner{}
	}
	if ghPath == "" {
		ghPath = "gh"
	}
	return &Client{runner: runner, ghPath: ghPath}
}

func (c *Client) gh(ctx context.Context, args ...string) (string, error) {
	return c.runner.Run(ctx, "", c.ghPath, args...)
}

var prViewFields = strings.Join([]string{
	"number",
	"url",
	"mergeStateStatus",
	"headRefOid",
	"headRefName",
	"baseRefName",
	"isCrossRepository",
	"statusCheckRollup",
}, ",")

type checkRollup struct {
	Typename   string `json:"__typename"`
	Status     string `json:"status"`     // CheckRun
	Conclusion string `json:"conclusion"` // CheckRun
	State      string `json:"state"`      // StatusContext
}

type prView struct {
	Number            int           `json:"number"`
	URL               string        `json:"url"`
	MergeStateStatus  string        `json:"mergeStateStatus"`
	HeadRefOid        string        `json:"headRefOid"`
	HeadRefName       string        `json:"headRefName"`
	BaseRefName       string        `json:"baseRefName"`
	IsCrossRepository bool          `json:"isCrossRepository"`
	StatusCheckRollup []checkRollup `json:"statusCheckRollup"`
}

// ViewPR implements mergeconflict.PullRequests
func (c *Client) ViewPR(ctx context.Context, repo string, number int) (*mergeconflict.PRState, error) {
	out, err := c.gh(ctx, "pr", "view", strconv.Itoa(number), "--repo", repo, "--json", prViewFields)
	if err != nil {
		return nil, fmt.Errorf("viewing %s#%d: %w", repo, number, err)
	}
	var v prView
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, fmt.Errorf("parsing pr view for %s#%d: %w", repo, number, err)
	}
	return &mergeconflict.PRState{
		Number:          v.Number,
		URL:             v.URL,
		MergeState:      strings.ToUpper(v.MergeStateStatus),
		HeadSHA:         v.HeadRefOid,
		HeadRef:         v.HeadRefName,
		BaseRef:         v.BaseRefName,
		CrossRepository: v.IsCrossRepository,
		ChecksPending:   checksPending(v.StatusCheckRollup),
	}, nil
}

// checksPending reports whether any check has yet to report a result
func checksPending(checks []checkRollup) bool {
	for _, ch := range checks {
		if ch.Typename == "StatusContext" || (ch.Typename == "" && ch.State != "") {
			switch strings.ToUpper(ch.State) {
			case "PENDING", "EXPECTED":
				return true
			}
			continue
		}
		if s := strings.ToUpper(ch.Status); s != "" && s != "COMPLETED" {
			return true
		}
	}
	return false
}

type issueComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
}

// FindComment implements mergeconflict.CommentStore. The oldest comment
// carrying marker wins.
func (c *Client) FindComment(ctx context.Context, repo string, number int, marker string) (*mergeconflict.Comment, error) {
	out, err := c.gh(ctx, "api", "--paginate", fmt.Sprintf("repos/%s/issues/%d/comments?per_page=100", repo, number))
	if err != nil {
		return nil, fmt.Errorf("listing comments on %s#%d: %w", repo, number, err)
	}
	comments, err := decodeComments(out)
	if err != nil {
		return nil, fmt.Errorf("parsing comments on %s#%d: %w", repo, number, err)
	}
	for _, cm := range comments {
		if strings.Contains(cm.Body, marker) {
			return &mergeconflict.Comment{ID: cm.ID, Body: cm.Body}, nil
		}
	}
	return nil, nil
}

// decodeComments reads the concatenated JSON arrays gh --paginate prints
func decodeComments(out string) ([]issueComment, error) {
	var all []issueComment
	dec := json.NewDecoder(strings.NewReader(out))
	for {
		var page []issueComment
		err := dec.Decode(&page)
		if errors.Is(err, io.EOF) {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
	}
}

// UpsertComment implements mergeconflict.CommentStore
func (c *Client) UpsertComment(ctx context.Context, repo string, number int, id int64, body string) (int64, error) {
	var out string
	var err error
	if id == 0 {
		out, err = c.gh(ctx, "api", "-X", "POST",
			fmt.Sprintf("repos/%s/issues/%d/comments", repo, number), "-f", "body="+body)
	} else {
		out, err = c.gh(ctx, "api", "-X", "PATCH",
			fmt.Sprintf("repos/%s/issues/comments/%d", repo, id), "-f", "body="+body)
	}
	if err != nil {
		return 0, fmt.Errorf("writing comment on %s#%d: %w", repo, number, err)
	}
	var created issueComment
	if err := json.Unmarshal([]byte(out), &created); err != nil || created.ID == 0 {
		if id != 0 {
			return id, nil
		}
		return 0, fmt.Errorf("parsing created comment on %s#%d: %v", repo, number, err)
	}
	return created.ID, nil
}

// AddLabels implements mergeconflict.Labels
func (c *Client) AddLabels(ctx context.Context, repo string, number int, labels ...string) error {
	return c.editLabels(ctx, repo, number, "--add-label", labels)
}

// RemoveLabels implements mergeconflict.Labels
func (c *Client) RemoveLabels(ctx context.Context, repo string, number int, labels ...string) error {
	return c.editLabels(ctx, repo, number, "--remove-label", labels)
}

func (c *Client) editLabels(ctx context.Context, repo string, number int, flag string, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	_, err := c.gh(ctx, "pr", "edit", strconv.Itoa(number), "--repo", repo, flag, strings.Join(labels, ","))
	if err != nil {
		return fmt.Errorf("editing labels on %s#%d: %w", repo, number, err)
	}
	return nil
}

type prListItem struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	HeadRefName string `json:"headRefName"`
	Body        string `json:"body"`
}

// FindPRForIssue returns the open PR that references issue in its body, or
// nil when there is none
func (c *Client) FindPRForIssue(ctx context.Context, repo string, issue int) (*PRRef, error) {
	out, err := c.gh(ctx, "pr", "list", "--repo", repo, "--state", "open",
		"--search", "#"+strconv.Itoa(issue)+" in:body",
		"--json", "number,url,headRefName,body")
	if err != nil {
		return nil, fmt.Errorf("listing PRs for %s#%d: %w", repo, issue, err)
	}
	var items []prListItem
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		return nil, fmt.Errorf("parsing PR list for %s#%d: %w", repo, issue, err)
	}
	ref := issueRefPattern(issue)
	for _, it := range items {
		if ref.MatchString(it.Body) {
			return &PRRef{Number: it.Number, URL: it.URL, HeadRef: it.HeadRefName}, nil
		}
	}
	return nil, nil
}

// issueRefPattern matches "#12" but not "#123"
func issueRefPattern(issue int) *regexp.Regexp {
	return regexp.MustCompile(`#` + strconv.Itoa(issue) + `\b`)
}

// CheckInstalled verifies gh is available and authenticated
func (c *Client) CheckInstalled(ctx context.Context) error {
	if _, err := c.gh(ctx, "auth", "status"); err != nil {
		return fmt.Errorf("gh not available or not authenticated: %w", err)
	}
	return nil
}

var (
	_ mergeconflict.PullRequests = (*Client)(nil)
	_ mergeconflict.CommentStore = (*Client)(nil)
	_ mergeconflict.Labels       = (*Client)(nil)
)
