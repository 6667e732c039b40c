package model

// CommitMetadata is the structured view of a commit message.
type CommitMetadata struct {
	Title       string
	Description string
	// TestPlan is nil when the message has no Test Plan section at all.
	TestPlan   *string
	Reviewers  []string
	ApprovedBy []string
	// ReviewRequestRef is the raw "Pull Request:" value, usually a URL. Its
	// presence is the only signal that a request was created for the commit.
	ReviewRequestRef string
}

// HasRequest reports whether the metadata links to a review request.
func (m CommitMetadata) HasRequest() bool {
	return m.ReviewRequestRef != ""
}
