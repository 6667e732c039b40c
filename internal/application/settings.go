package application

import "github.com/ericfisherdev/stacksync/internal/domain/model"

// Settings are the engine policies derived from configuration.
type Settings struct {
	Trunk           string
	BranchPrefix    string
	RequireApproval bool
	MinApprovals    int
	RequireTestPlan bool
}

func (s Settings) approved(req model.ReviewRequest) bool {
	if !s.RequireApproval {
		return true
	}
	return req.Approval.Satisfies(s.MinApprovals)
}
