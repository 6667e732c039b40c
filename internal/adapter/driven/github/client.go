// Package github implements the ReviewPlatform port using the go-github library.
package github

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
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"
	"golang.org/x/oauth2"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ReviewPlatform = (*Client)(nil)

// Client implements the driven.ReviewPlatform port for one GitHub repository.
type Client struct {
	gh         *gh.Client
	owner      string
	repo       string
	token      string // Stored for GraphQL Authorization header.
	graphqlURL string
	webURL     string // "https://github.com" in production.

	loginOnce sync.Once
	login     string
	loginErr  error
}

// NewClient creates a new GitHub API client for github.com.
func NewClient(token, repository string) (*Client, error) {
	owner, repo, err := splitRepo(repository)
	if err != nil {
		return nil, err
	}

	return &Client{
		gh:         gh.NewClient(&http.Client{Transport: newTransport(token), Timeout: 60 * time.Second}),
		owner:      owner,
		repo:       repo,
		token:      token,
		graphqlURL: "https://api.github.com/graphql",
		webURL:     "https://github.com",
	}, nil
}

// NewEnterpriseClient creates a client for a GitHub Enterprise server whose
// REST API lives at baseURL (https://host/api/v3/).
func NewEnterpriseClient(token, baseURL, repository string) (*Client, error) {
	httpClient := &http.Client{Transport: newTransport(token), Timeout: 60 * time.Second}
	return NewClientWithHTTPClient(httpClient, baseURL, repository, token)
}

// newTransport builds the production transport stack:
//  1. oauth2 (token authentication)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. forced revalidation, so every read reflects the live request
//  4. httpcache (ETag-based conditional requests, which do not count against the rate limit)
func newTransport(token string) http.RoundTripper {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(revalidatingTransport{base: cacheTransport})
	return &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		Base:   rateLimitClient.Transport,
	}
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base URL.
// It serves GitHub Enterprise (baseURL ending in /api/v3/) and httptest servers.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, repository, token string) (*Client, error) {
	owner, repo, err := splitRepo(repository)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	client := gh.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	client.BaseURL = u

	// GraphQL and web URLs hang off the host root so httptest servers intercept them too.
	root := *u
	root.Path = strings.TrimSuffix(u.Path, "api/v3/")
	graphqlU := root
	graphqlU.Path = root.Path + "graphql"
	if root.Path != u.Path {
		graphqlU.Path = root.Path + "api/graphql"
	}
	root.Path = strings.TrimSuffix(root.Path, "/")

	return &Client{
		gh:         client,
		owner:      owner,
		repo:       repo,
		token:      token,
		graphqlURL: graphqlU.String(),
		webURL:     root.String(),
	}, nil
}

// revalidatingTransport makes httpcache treat every cached GET as stale, so
// it always asks GitHub with If-None-Match instead of serving a fresh copy.
type revalidatingTransport struct {
	base http.RoundTripper
}

func (t revalidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodGet {
		req = req.Clone(req.Context())
		req.Header.Set("Cache-Control", "max-age=0")
	}
	return t.base.RoundTrip(req)
}

func (c *Client) fullName() string {
	return c.owner + "/" + c.repo
}

// CreateRequest opens a pull request from HeadRef into BaseRef.
func (c *Client) CreateRequest(ctx context.Context, nr driven.NewRequest) (model.ReviewRequest, error) {
	pr, resp, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
		Title: gh.Ptr(nr.Title),
		Head:  gh.Ptr(nr.HeadRef),
		Base:  gh.Ptr(nr.BaseRef),
		Body:  gh.Ptr(nr.Description),
		Draft: gh.Ptr(nr.Draft),
	})
	if err != nil {
		return model.ReviewRequest{}, fmt.Errorf("creating pull request %s -> %s in %s: %w", nr.HeadRef, nr.BaseRef, c.fullName(), err)
	}
	logRateLimit(resp, c.fullName()+"/pulls", 0, 1)

	req := mapPullRequest(pr)
	req.Approval = model.Approval{Decision: model.DecisionReviewRequired}
	return req, nil
}

// UpdateRequest edits the base branch, title, description or open/closed state.
func (c *Client) UpdateRequest(ctx context.Context, id model.RequestID, upd driven.RequestUpdate) error {
	if upd.IsEmpty() {
		return nil
	}

	edit := &gh.PullRequest{Title: upd.Title, Body: upd.Description}
	if upd.BaseRef != nil {
		edit.Base = &gh.PullRequestBranch{Ref: upd.BaseRef}
	}
	if upd.State != nil {
		switch *upd.State {
		case model.RequestOpen, model.RequestClosed:
			edit.State = gh.Ptr(string(*upd.State))
		default:
			return fmt.Errorf("updating %s#%d: cannot set state %q", c.fullName(), id, *upd.State)
		}
	}

	_, resp, err := c.gh.PullRequests.Edit(ctx, c.owner, c.repo, int(id), edit)
	if err != nil {
		return c.requestError("updating", id, resp, err)
	}
	logRateLimit(resp, c.fullName()+"/pulls/edit", 0, 1)
	return nil
}

// GetRequest returns the live pull request with its review verdict.
func (c *Client) GetRequest(ctx context.Context, id model.RequestID) (model.ReviewRequest, error) {
	pr, resp, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, int(id))
	if err != nil {
		return model.ReviewRequest{}, c.requestError("fetching", id, resp, err)
	}
	logRateLimit(resp, c.fullName()+"/pulls/get", 0, 1)

	req := mapPullRequest(pr)
	if err := c.attachReviews(ctx, &req); err != nil {
		return model.ReviewRequest{}, err
	}
	return req, nil
}

// attachReviews fills in the approval state from the review history, with
// GitHub's branch-protection aware reviewDecision taking precedence.
func (c *Client) attachReviews(ctx context.Context, req *model.ReviewRequest) error {
	reviews, err := c.fetchReviews(ctx, int(req.ID))
	if err != nil {
		return err
	}

	approval, reviewed := summarizeReviews(reviews, req.Author)
	if decision := c.FetchReviewDecision(ctx, int(req.ID)); decision != model.DecisionNone {
		approval.Decision = decision
	}
	req.Approval = approval
	for _, login := range reviewed {
		if !slices.Contains(req.Reviewers, login) {
			req.Reviewers = append(req.Reviewers, login)
		}
	}
	return nil
}

// fetchReviews retrieves all reviews for a pull request, handling pagination.
func (c *Client) fetchReviews(ctx context.Context, number int) ([]*gh.PullRequestReview, error) {
	opts := &gh.ListOptions{PerPage: 100}
	var all []*gh.PullRequestReview

	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing reviews for %s#%d (page %d): %w", c.fullName(), number, opts.Page, err)
		}
		logRateLimit(resp, c.fullName()+"/reviews", opts.Page, len(reviews))

		all = append(all, reviews...)

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// summarizeReviews reduces the review history to each reviewer's latest
// verdict. Comment-only reviews do not override an earlier verdict.
// It also returns every reviewer who submitted a review, in first-seen order.
func summarizeReviews(reviews []*gh.PullRequestReview, author string) (model.Approval, []string) {
	latest := make(map[string]string)
	var reviewers []string
	for _, r := range reviews {
		login := r.GetUser().GetLogin()
		if login == "" || login == author {
			continue
		}
		if !slices.Contains(reviewers, login) {
			reviewers = append(reviewers, login)
		}
		switch state := r.GetState(); state {
		case "APPROVED", "CHANGES_REQUESTED", "DISMISSED":
			latest[login] = state
		}
	}

	approval := model.Approval{Decision: model.DecisionReviewRequired}
	changesRequested := false
	for _, login := range reviewers {
		switch latest[login] {
		case "APPROVED":
			approval.ApprovedBy = append(approval.ApprovedBy, login)
		case "CHANGES_REQUESTED":
			changesRequested = true
		}
	}
	switch {
	case changesRequested:
		approval.Decision = model.DecisionChangesRequested
	case len(approval.ApprovedBy) > 0:
		approval.Decision = model.DecisionApproved
	}
	return approval, reviewers
}

// MergeRequest squash-merges the pull request, refusing if its head moved
// away from spec.ExpectedHead.
func (c *Client) MergeRequest(ctx context.Context, id model.RequestID, spec driven.MergeSpec) (model.CommitID, error) {
	result, resp, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, int(id), spec.Message, &gh.PullRequestOptions{
		CommitTitle:        spec.Title,
		SHA:                string(spec.ExpectedHead),
		MergeMethod:        "squash",
		DontDefaultIfBlank: true,
	})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusMethodNotAllowed, http.StatusConflict, http.StatusUnprocessableEntity:
				return "", fmt.Errorf("merging %s#%d: %w: %w", c.fullName(), id, driven.ErrMergeRejected, err)
			}
		}
		return "", c.requestError("merging", id, resp, err)
	}
	logRateLimit(resp, c.fullName()+"/pulls/merge", 0, 1)

	if !result.GetMerged() {
		return "", fmt.Errorf("merging %s#%d: %s: %w", c.fullName(), id, result.GetMessage(), driven.ErrMergeRejected)
	}
	return model.CommitID(result.GetSHA()), nil
}

// AddReviewers requests review from users and, for names starting with "#",
// from teams. The request author is skipped since GitHub rejects it.
func (c *Client) AddReviewers(ctx context.Context, id model.RequestID, reviewers []string) error {
	me, err := c.CurrentUser(ctx)
	if err != nil {
		return err
	}

	var req gh.ReviewersRequest
	for _, name := range reviewers {
		if team, ok := strings.CutPrefix(name, "#"); ok {
			req.TeamReviewers = append(req.TeamReviewers, teamSlug(team))
			continue
		}
		if !strings.EqualFold(name, me) {
			req.Reviewers = append(req.Reviewers, name)
		}
	}
	if len(req.Reviewers) == 0 && len(req.TeamReviewers) == 0 {
		return nil
	}

	_, resp, err := c.gh.PullRequests.RequestReviewers(ctx, c.owner, c.repo, int(id), req)
	if err != nil {
		return c.requestError("requesting reviewers for", id, resp, err)
	}
	logRateLimit(resp, c.fullName()+"/requested_reviewers", 0, len(reviewers))
	return nil
}

// teamSlug accepts both "team" and "org/team" spellings.
func teamSlug(name string) string {
	if _, slug, ok := strings.Cut(name, "/"); ok {
		return slug
	}
	return name
}

// ListOpenRequests returns the open pull requests authored by the token's
// user, newest first, each with its review verdict.
func (c *Client) ListOpenRequests(ctx context.Context) ([]model.ReviewRequest, error) {
	me, err := c.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}

	opts := &gh.PullRequestListOptions{
		State:       "open",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var mine []model.ReviewRequest
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing pull requests for %s (page %d): %w", c.fullName(), opts.Page, err)
		}
		logRateLimit(resp, c.fullName(), opts.Page, len(prs))

		for _, pr := range prs {
			if strings.EqualFold(pr.GetUser().GetLogin(), me) {
				mine = append(mine, mapPullRequest(pr))
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	for i := range mine {
		if err := c.attachReviews(ctx, &mine[i]); err != nil {
			return nil, err
		}
	}
	return mine, nil
}

// CurrentUser returns the authenticated login, fetched once per client.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	c.loginOnce.Do(func() {
		user, resp, err := c.gh.Users.Get(ctx, "")
		if err != nil {
			c.loginErr = fmt.Errorf("fetching authenticated user: %w", err)
			return
		}
		logRateLimit(resp, "user", 0, 1)
		c.login = user.GetLogin()
	})
	return c.login, c.loginErr
}

// ParseRequestRef accepts "12", "#12" or a pull request URL of this repository.
func (c *Client) ParseRequestRef(ref string) (model.RequestID, bool) {
	ref = strings.TrimSpace(ref)
	if n, ok := parseNumber(strings.TrimPrefix(ref, "#")); ok {
		return n, true
	}

	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return 0, false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "pull" ||
		!strings.EqualFold(parts[0], c.owner) || !strings.EqualFold(parts[1], c.repo) {
		return 0, false
	}
	return parseNumber(parts[3])
}

func parseNumber(s string) (model.RequestID, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return model.RequestID(n), true
}

// RequestURL returns the web URL of a pull request.
func (c *Client) RequestURL(id model.RequestID) string {
	return fmt.Sprintf("%s/%s/%s/pull/%d", c.webURL, c.owner, c.repo, id)
}

// requestError maps a 404 to driven.ErrRequestNotFound.
func (c *Client) requestError(action string, id model.RequestID, resp *gh.Response, err error) error {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s#%d: %w", action, c.fullName(), id, driven.ErrRequestNotFound)
	}
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%s %s#%d: rate limited until %s: %w", action, c.fullName(), id,
			rateErr.Rate.Reset.Format(time.Kitchen), err)
	}
	return fmt.Errorf("%s %s#%d: %w", action, c.fullName(), id, err)
}

// mapPullRequest converts a go-github PullRequest to a domain ReviewRequest.
// It uses GetXxx() helper methods exclusively to avoid nil pointer panics.
func mapPullRequest(pr *gh.PullRequest) model.ReviewRequest {
	state := model.RequestOpen
	if pr.GetMerged() || !pr.GetMergedAt().IsZero() {
		state = model.RequestMerged
	} else if pr.GetState() == "closed" {
		state = model.RequestClosed
	}

	reviewers := make([]string, 0, len(pr.RequestedReviewers)+len(pr.RequestedTeams))
	for _, r := range pr.RequestedReviewers {
		reviewers = append(reviewers, r.GetLogin())
	}
	for _, t := range pr.RequestedTeams {
		reviewers = append(reviewers, "#"+t.GetSlug())
	}

	req := model.ReviewRequest{
		ID:          model.RequestID(pr.GetNumber()),
		URL:         pr.GetHTMLURL(),
		State:       state,
		Draft:       pr.GetDraft(),
		Title:       pr.GetTitle(),
		Description: pr.GetBody(),
		Author:      pr.GetUser().GetLogin(),
		HeadRef:     pr.GetHead().GetRef(),
		BaseRef:     pr.GetBase().GetRef(),
		HeadCommit:  model.CommitID(pr.GetHead().GetSHA()),
		Reviewers:   reviewers,
	}
	if state == model.RequestMerged {
		req.MergeCommit = model.CommitID(pr.GetMergeCommitSHA())
	}
	return req
}

// logRateLimit logs the GitHub API rate limit status after each call.
func logRateLimit(resp *gh.Response, endpoint string, page, count int) {
	if resp == nil {
		return
	}

	slog.Debug("github api call",
		"endpoint", endpoint,
		"page", page,
		"count", count,
		"status", resp.StatusCode,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
	)

	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		slog.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}

// splitRepo splits a "owner/repo" string into its two components.
func splitRepo(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo name %q: expected owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}
