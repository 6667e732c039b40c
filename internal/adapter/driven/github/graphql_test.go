package github_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ghAdapter "github.com/ericfisherdev/stacksync/internal/adapter/driven/github"
	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

func decisionResponse(decision any) map[string]any {
	return map[string]any{
		"data": map[string]any{
			"repository": map[string]any{
				"pullRequest": map[string]any{"reviewDecision": decision},
			},
		},
	}
}

func TestFetchReviewDecision(t *testing.T) {
	tests := []struct {
		name     string
		decision any
		want     model.ReviewDecision
	}{
		{name: "approved", decision: "APPROVED", want: model.DecisionApproved},
		{name: "changes requested", decision: "CHANGES_REQUESTED", want: model.DecisionChangesRequested},
		{name: "review required", decision: "REVIEW_REQUIRED", want: model.DecisionReviewRequired},
		{name: "no protection", decision: nil, want: model.DecisionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/graphql" {
					http.NotFound(w, r)
					return
				}
				assert.Equal(t, "bearer test-token", r.Header.Get("Authorization"))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var body struct {
					Variables map[string]any `json:"variables"`
				}
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "owner", body.Variables["owner"])
				assert.Equal(t, "repo", body.Variables["repo"])
				assert.EqualValues(t, 42, body.Variables["pr"])

				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(decisionResponse(tt.decision))
			}))
			defer server.Close()

			client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/", "owner/repo", "test-token")
			require.NoError(t, err)

			assert.Equal(t, tt.want, client.FetchReviewDecision(context.Background(), 42))
		})
	}
}

func TestFetchReviewDecision_GraphQLErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data":   nil,
			"errors": []any{map[string]any{"message": "Something went wrong"}},
		})
	}))
	defer server.Close()

	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/", "owner/repo", "test-token")
	require.NoError(t, err)

	assert.Equal(t, model.DecisionNone, client.FetchReviewDecision(context.Background(), 42))
}

func TestFetchReviewDecision_NoToken(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		http.NotFound(w, r)
	}))
	defer server.Close()

	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/", "owner/repo", "")
	require.NoError(t, err)

	assert.Equal(t, model.DecisionNone, client.FetchReviewDecision(context.Background(), 42))
	assert.False(t, called, "no HTTP call should be made when token is empty")
}

func TestFetchReviewDecision_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/", "owner/repo", "test-token")
	require.NoError(t, err)

	assert.Equal(t, model.DecisionNone, client.FetchReviewDecision(context.Background(), 42))
}

func TestFetchReviewDecision_EnterpriseEndpoint(t *testing.T) {
	var hit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(decisionResponse("APPROVED"))
	}))
	defer server.Close()

	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/api/v3/", "owner/repo", "test-token")
	require.NoError(t, err)

	assert.Equal(t, model.DecisionApproved, client.FetchReviewDecision(context.Background(), 1))
	assert.Equal(t, "/api/graphql", hit)
	assert.Equal(t, server.URL+"/owner/repo/pull/1", client.RequestURL(1))
}
