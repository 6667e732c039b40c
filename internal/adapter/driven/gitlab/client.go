// Package gitlab implements the ReviewPlatform port for GitLab merge requests.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/xanzy/go-gitlab"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ReviewPlatform = (*Client)(nil)

const draftPrefix = "Draft: "

// Client implements driven.ReviewPlatform for one GitLab project.
type Client struct {
	client  *gitlab.Client
	project string // "namespace/project" path
	webURL  string

	userOnce sync.Once
	user     *gitlab.User
	userErr  error
}

// Option configures the underlying go-gitlab client.
type Option = gitlab.ClientOptionFunc

// NewClient creates a GitLab client. baseURL is the instance URL and may be
// empty for gitlab.com.
func NewClient(token, baseURL, project string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, errors.New("GitLab token is required")
	}
	if project == "" || !strings.Contains(project, "/") {
		return nil, fmt.Errorf("invalid project %q: expected namespace/project", project)
	}

	webURL := "https://gitlab.com"
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
		u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/api/v4")
		webURL = strings.TrimSuffix(u.String(), "/")
		opts = append([]Option{gitlab.WithBaseURL(webURL)}, opts...)
	}

	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GitLab client: %w", err)
	}

	return &Client{
		client:  client,
		project: strings.Trim(project, "/"),
		webURL:  webURL,
	}, nil
}

// CreateRequest opens a merge request. Drafts use GitLab's title prefix.
func (c *Client) CreateRequest(ctx context.Context, nr driven.NewRequest) (model.ReviewRequest, error) {
	title := nr.Title
	if nr.Draft {
		title = draftPrefix + title
	}

	mr, resp, err := c.client.MergeRequests.CreateMergeRequest(c.project, &gitlab.CreateMergeRequestOptions{
		Title:        gitlab.Ptr(title),
		Description:  gitlab.Ptr(nr.Description),
		SourceBranch: gitlab.Ptr(nr.HeadRef),
		TargetBranch: gitlab.Ptr(nr.BaseRef),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return model.ReviewRequest{}, fmt.Errorf("creating merge request %s -> %s in %s: %w", nr.HeadRef, nr.BaseRef, c.project, err)
	}
	logCall(resp, "create merge request")

	req := mapMergeRequest(mr)
	req.Approval = model.Approval{Decision: model.DecisionReviewRequired}
	return req, nil
}

// UpdateRequest edits the target branch, title, description or open/closed state.
func (c *Client) UpdateRequest(ctx context.Context, id model.RequestID, upd driven.RequestUpdate) error {
	if upd.IsEmpty() {
		return nil
	}

	opts := &gitlab.UpdateMergeRequestOptions{
		TargetBranch: upd.BaseRef,
		Description:  upd.Description,
	}
	if upd.Title != nil {
		opts.Title = upd.Title
		// Keep an existing draft marker that the stored title does not carry.
		current, resp, err := c.client.MergeRequests.GetMergeRequest(c.project, int(id), nil, gitlab.WithContext(ctx))
		if err != nil {
			return c.requestError("updating", id, resp, err)
		}
		if current.Draft && !hasDraftPrefix(*upd.Title) {
			opts.Title = gitlab.Ptr(draftPrefix + *upd.Title)
		}
	}
	if upd.State != nil {
		switch *upd.State {
		case model.RequestOpen:
			opts.StateEvent = gitlab.Ptr("reopen")
		case model.RequestClosed:
			opts.StateEvent = gitlab.Ptr("close")
		default:
			return fmt.Errorf("updating %s!%d: cannot set state %q", c.project, id, *upd.State)
		}
	}

	_, resp, err := c.client.MergeRequests.UpdateMergeRequest(c.project, int(id), opts, gitlab.WithContext(ctx))
	if err != nil {
		return c.requestError("updating", id, resp, err)
	}
	logCall(resp, "update merge request")
	return nil
}

// GetRequest returns the live merge request with its approval state.
func (c *Client) GetRequest(ctx context.Context, id model.RequestID) (model.ReviewRequest, error) {
	mr, resp, err := c.client.MergeRequests.GetMergeRequest(c.project, int(id), nil, gitlab.WithContext(ctx))
	if err != nil {
		return model.ReviewRequest{}, c.requestError("fetching", id, resp, err)
	}
	logCall(resp, "get merge request")

	req := mapMergeRequest(mr)
	approval, err := c.approval(ctx, id)
	if err != nil {
		return model.ReviewRequest{}, err
	}
	req.Approval = approval
	return req, nil
}

func (c *Client) approval(ctx context.Context, id model.RequestID) (model.Approval, error) {
	cfg, resp, err := c.client.MergeRequestApprovals.GetConfiguration(c.project, int(id), gitlab.WithContext(ctx))
	if err != nil {
		return model.Approval{}, c.requestError("fetching approvals for", id, resp, err)
	}
	logCall(resp, "get approvals")

	approval := model.Approval{Decision: model.DecisionReviewRequired}
	for _, a := range cfg.ApprovedBy {
		if a.User != nil {
			approval.ApprovedBy = append(approval.ApprovedBy, a.User.Username)
		}
	}
	if len(approval.ApprovedBy) > 0 && cfg.ApprovalsLeft == 0 {
		approval.Decision = model.DecisionApproved
	}
	return approval, nil
}

// MergeRequest squash-merges the merge request, refusing if its source
// branch moved away from spec.ExpectedHead.
func (c *Client) MergeRequest(ctx context.Context, id model.RequestID, spec driven.MergeSpec) (model.CommitID, error) {
	message := spec.Title
	if spec.Message != "" {
		message += "\n\n" + spec.Message
	}
	opts := &gitlab.AcceptMergeRequestOptions{
		Squash:              gitlab.Ptr(true),
		SquashCommitMessage: gitlab.Ptr(message),
	}
	if spec.ExpectedHead != "" {
		opts.SHA = gitlab.Ptr(string(spec.ExpectedHead))
	}

	mr, resp, err := c.client.MergeRequests.AcceptMergeRequest(c.project, int(id), opts, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusMethodNotAllowed, http.StatusNotAcceptable, http.StatusConflict, http.StatusUnprocessableEntity:
				return "", fmt.Errorf("merging %s!%d: %w: %w", c.project, id, driven.ErrMergeRejected, err)
			}
		}
		return "", c.requestError("merging", id, resp, err)
	}
	logCall(resp, "accept merge request")

	if mr.MergeCommitSHA != "" {
		return model.CommitID(mr.MergeCommitSHA), nil
	}
	return model.CommitID(mr.SquashCommitSHA), nil
}

// AddReviewers adds users to the merge request's reviewers, keeping the
// existing ones. GitLab has no team reviewers, so "#" names are skipped.
func (c *Client) AddReviewers(ctx context.Context, id model.RequestID, reviewers []string) error {
	me, err := c.currentUser(ctx)
	if err != nil {
		return err
	}

	var wanted []string
	for _, name := range reviewers {
		switch {
		case strings.HasPrefix(name, "#"):
			slog.Warn("gitlab does not support team reviewers", "team", name, "request", id)
		case !strings.EqualFold(name, me.Username):
			wanted = append(wanted, name)
		}
	}
	if len(wanted) == 0 {
		return nil
	}

	mr, resp, err := c.client.MergeRequests.GetMergeRequest(c.project, int(id), nil, gitlab.WithContext(ctx))
	if err != nil {
		return c.requestError("requesting reviewers for", id, resp, err)
	}
	ids := make([]int, 0, len(mr.Reviewers)+len(wanted))
	for _, r := range mr.Reviewers {
		ids = append(ids, r.ID)
	}
	added := false
	for _, name := range wanted {
		uid, err := c.userID(ctx, name)
		if err != nil {
			return err
		}
		if !slices.Contains(ids, uid) {
			ids = append(ids, uid)
			added = true
		}
	}
	if !added {
		return nil
	}

	_, resp, err = c.client.MergeRequests.UpdateMergeRequest(c.project, int(id),
		&gitlab.UpdateMergeRequestOptions{ReviewerIDs: gitlab.Ptr(ids)}, gitlab.WithContext(ctx))
	if err != nil {
		return c.requestError("requesting reviewers for", id, resp, err)
	}
	logCall(resp, "update reviewers")
	return nil
}

func (c *Client) userID(ctx context.Context, username string) (int, error) {
	users, resp, err := c.client.Users.ListUsers(&gitlab.ListUsersOptions{Username: gitlab.Ptr(username)}, gitlab.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("looking up user %s: %w", username, err)
	}
	logCall(resp, "list users")
	if len(users) == 0 {
		return 0, fmt.Errorf("unknown reviewer %q", username)
	}
	return users[0].ID, nil
}

// ListOpenRequests returns the open merge requests authored by the token's user.
func (c *Client) ListOpenRequests(ctx context.Context) ([]model.ReviewRequest, error) {
	me, err := c.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	opts := &gitlab.ListProjectMergeRequestsOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
		State:       gitlab.Ptr("opened"),
		AuthorID:    gitlab.Ptr(me.ID),
		OrderBy:     gitlab.Ptr("created_at"),
		Sort:        gitlab.Ptr("desc"),
	}

	var mine []model.ReviewRequest
	for {
		mrs, resp, err := c.client.MergeRequests.ListProjectMergeRequests(c.project, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing merge requests for %s (page %d): %w", c.project, opts.Page, err)
		}
		logCall(resp, "list merge requests")

		for _, mr := range mrs {
			mine = append(mine, mapMergeRequest(mr))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	for i := range mine {
		approval, err := c.approval(ctx, mine[i].ID)
		if err != nil {
			return nil, err
		}
		mine[i].Approval = approval
	}
	return mine, nil
}

// CurrentUser returns the username the token authenticates as.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	u, err := c.currentUser(ctx)
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

func (c *Client) currentUser(ctx context.Context) (*gitlab.User, error) {
	c.userOnce.Do(func() {
		u, resp, err := c.client.Users.CurrentUser(gitlab.WithContext(ctx))
		if err != nil {
			c.userErr = fmt.Errorf("fetching authenticated user: %w", err)
			return
		}
		logCall(resp, "current user")
		c.user = u
	})
	return c.user, c.userErr
}

// ParseRequestRef accepts "12", "!12", "#12" or a merge request URL of this project.
func (c *Client) ParseRequestRef(ref string) (model.RequestID, bool) {
	ref = strings.TrimSpace(ref)
	if n, ok := parseNumber(strings.TrimLeft(ref, "!#")); ok {
		return n, true
	}

	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return 0, false
	}
	project, number, ok := strings.Cut(strings.Trim(u.Path, "/"), "/-/merge_requests/")
	if !ok || !strings.EqualFold(project, c.project) {
		return 0, false
	}
	return parseNumber(strings.TrimSuffix(number, "/"))
}

func parseNumber(s string) (model.RequestID, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return model.RequestID(n), true
}

// RequestURL returns the web URL of a merge request.
func (c *Client) RequestURL(id model.RequestID) string {
	return fmt.Sprintf("%s/%s/-/merge_requests/%d", c.webURL, c.project, id)
}

// requestError maps a 404 to driven.ErrRequestNotFound.
func (c *Client) requestError(action string, id model.RequestID, resp *gitlab.Response, err error) error {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s!%d: %w", action, c.project, id, driven.ErrRequestNotFound)
	}
	return fmt.Errorf("%s %s!%d: %w", action, c.project, id, err)
}

var draftPrefixes = []string{"draft:", "[draft]", "wip:"}

func hasDraftPrefix(title string) bool {
	return stripDraft(title) != title
}

// stripDraft removes the draft marker GitLab keeps in the title.
func stripDraft(title string) string {
	lower := strings.ToLower(title)
	for _, p := range draftPrefixes {
		if strings.HasPrefix(lower, p) {
			return strings.TrimSpace(title[len(p):])
		}
	}
	return title
}

// mapMergeRequest converts a go-gitlab MergeRequest to a domain ReviewRequest.
func mapMergeRequest(mr *gitlab.MergeRequest) model.ReviewRequest {
	state := model.RequestOpen
	switch mr.State {
	case "merged":
		state = model.RequestMerged
	case "closed", "locked":
		state = model.RequestClosed
	}

	reviewers := make([]string, 0, len(mr.Reviewers))
	for _, r := range mr.Reviewers {
		reviewers = append(reviewers, r.Username)
	}

	req := model.ReviewRequest{
		ID:          model.RequestID(mr.IID),
		URL:         mr.WebURL,
		State:       state,
		Draft:       mr.Draft || hasDraftPrefix(mr.Title),
		Title:       stripDraft(mr.Title),
		Description: mr.Description,
		HeadRef:     mr.SourceBranch,
		BaseRef:     mr.TargetBranch,
		HeadCommit:  model.CommitID(mr.SHA),
		Reviewers:   reviewers,
	}
	if mr.Author != nil {
		req.Author = mr.Author.Username
	}
	if state == model.RequestMerged {
		req.MergeCommit = model.CommitID(mr.MergeCommitSHA)
		if req.MergeCommit == "" {
			req.MergeCommit = model.CommitID(mr.SquashCommitSHA)
		}
	}
	return req
}

func logCall(resp *gitlab.Response, endpoint string) {
	if resp == nil {
		return
	}
	slog.Debug("gitlab api call",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"page", resp.CurrentPage,
		"total_pages", resp.TotalPages,
	)
}
