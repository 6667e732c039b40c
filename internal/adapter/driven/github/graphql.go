package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

// graphqlHTTPClient is the HTTP client used for GraphQL requests.
// It enforces a 30-second timeout as a safety net alongside context cancellation.
var graphqlHTTPClient = &http.Client{Timeout: 30 * time.Second}

const reviewDecisionQuery = `query($owner: String!, $repo: String!, $pr: Int!) {
	repository(owner: $owner, name: $repo) {
		pullRequest(number: $pr) {
			reviewDecision
		}
	}
}`

// graphqlRequest is the JSON body sent to the GitHub GraphQL API.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// graphqlResponse represents the expected shape of a GitHub GraphQL response
// for the review decision query.
type graphqlResponse struct {
	Data struct {
		Repository struct {
			PullRequest struct {
				ReviewDecision *string `json:"reviewDecision"`
			} `json:"pullRequest"`
		} `json:"repository"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchReviewDecision queries the GitHub GraphQL API for the pull request's
// reviewDecision, which accounts for branch protection rules such as code
// owners and required approval counts.
//
// This is a supplementary data source. All error paths return DecisionNone and
// log a warning; failures never propagate to callers. A repository without
// required reviews also reports no decision.
func (c *Client) FetchReviewDecision(ctx context.Context, prNumber int) model.ReviewDecision {
	if c.token == "" {
		return model.DecisionNone
	}

	reqBody := graphqlRequest{
		Query: reviewDecisionQuery,
		Variables: map[string]any{
			"owner": c.owner,
			"repo":  c.repo,
			"pr":    prNumber,
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		slog.Warn("graphql: failed to marshal request", "error", err)
		return model.DecisionNone
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(bodyBytes))
	if err != nil {
		slog.Warn("graphql: failed to create request", "error", err)
		return model.DecisionNone
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("bearer %s", c.token))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := graphqlHTTPClient.Do(httpReq)
	if err != nil {
		slog.Warn("graphql: request failed", "error", err, "repo", c.fullName(), "pr", prNumber)
		return model.DecisionNone
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("graphql: non-200 response", "status", resp.StatusCode, "repo", c.fullName(), "pr", prNumber)
		return model.DecisionNone
	}

	var gqlResp graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		slog.Warn("graphql: failed to decode response", "error", err, "repo", c.fullName(), "pr", prNumber)
		return model.DecisionNone
	}

	if len(gqlResp.Errors) > 0 {
		slog.Warn("graphql: response contains errors",
			"errors", gqlResp.Errors[0].Message,
			"repo", c.fullName(),
			"pr", prNumber,
		)
		return model.DecisionNone
	}

	decision := gqlResp.Data.Repository.PullRequest.ReviewDecision
	if decision == nil {
		return model.DecisionNone
	}
	switch *decision {
	case "APPROVED":
		return model.DecisionApproved
	case "CHANGES_REQUESTED":
		return model.DecisionChangesRequested
	case "REVIEW_REQUIRED":
		return model.DecisionReviewRequired
	default:
		return model.DecisionNone
	}
}
