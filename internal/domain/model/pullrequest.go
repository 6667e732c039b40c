package model

import "strings"

// RequestID is the platform-scoped number of a review request
// (a pull request number on GitHub, a merge request IID on GitLab).
type RequestID int

// Approval is the review verdict of a request as reported by the platform.
type Approval struct {
	Decision   ReviewDecision
	ApprovedBy []string
}

// Satisfies reports whether the approval meets a minimum approver count.
// Outstanding change requests always fail the check.
func (a Approval) Satisfies(minApprovals int) bool {
	if a.Decision == DecisionChangesRequested {
		return false
	}
	if minApprovals <= 0 {
		return true
	}
	if len(a.ApprovedBy) >= minApprovals {
		return true
	}
	// Some platforms only report the decision, not the approver list.
	return minApprovals == 1 && a.Decision == DecisionApproved
}

// ReviewRequest is the remote review entity paired with one local commit.
// It is always fetched fresh; nothing in this struct is cached across runs.
type ReviewRequest struct {
	ID          RequestID
	URL         string
	State       RequestState
	Draft       bool
	Title       string
	Description string
	Author      string
	HeadRef     string
	BaseRef     string
	HeadCommit  CommitID
	// MergeCommit is the resulting trunk commit once State is RequestMerged.
	MergeCommit CommitID
	Approval    Approval
	Reviewers   []string
}

// IsOpen reports whether the request can still be updated or landed.
func (r ReviewRequest) IsOpen() bool {
	return r.State == RequestOpen
}

// SameMessage reports whether title and description match, ignoring
// surrounding whitespace and CRLF line endings.
func (r ReviewRequest) SameMessage(title, description string) bool {
	return normalizeText(r.Title) == normalizeText(title) &&
		normalizeText(r.Description) == normalizeText(description)
}

func normalizeText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
