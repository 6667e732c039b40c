package model

// ChangeStatus is the kind of change recorded for a path in a TreeDelta.
type ChangeStatus string

const (
	ChangeAdded    ChangeStatus = "A"
	ChangeModified ChangeStatus = "M"
	ChangeDeleted  ChangeStatus = "D"
	ChangeTypeChg  ChangeStatus = "T"
)

// RequestState is the lifecycle state of a review request on the platform.
type RequestState string

const (
	RequestOpen   RequestState = "open"
	RequestClosed RequestState = "closed"
	RequestMerged RequestState = "merged"
)

// ReviewDecision summarises the reviewers' verdict on a request.
type ReviewDecision string

const (
	DecisionApproved         ReviewDecision = "approved"
	DecisionChangesRequested ReviewDecision = "changes_requested"
	DecisionReviewRequired   ReviewDecision = "review_required"
	DecisionNone             ReviewDecision = ""
)

// PullRequestState is the position of one local commit in its journey from
// untracked to landed.
type PullRequestState int

const (
	// StateUntracked means the commit carries no request reference, or the
	// referenced request was closed out of band.
	StateUntracked PullRequestState = iota
	// StateCreated means the request's head tree equals the local tree.
	StateCreated
	// StateNeedsUpdate means the local tree differs from the published one.
	StateNeedsUpdate
	// StateReadyToLand means Created, approved, and the squash result equals
	// the commit cherry-picked onto trunk.
	StateReadyToLand
	// StateLanded is terminal: the request was merged into trunk.
	StateLanded
)

func (s PullRequestState) String() string {
	switch s {
	case StateUntracked:
		return "untracked"
	case StateCreated:
		return "created"
	case StateNeedsUpdate:
		return "needs update"
	case StateReadyToLand:
		return "ready to land"
	case StateLanded:
		return "landed"
	default:
		return "unknown"
	}
}

// DriftKind classifies a divergence between local and remote state that is
// reported to the user rather than resolved silently.
type DriftKind string

const (
	// DriftMessage: local title/description differ from the request's.
	DriftMessage DriftKind = "message"
	// DriftRemoteClosed: the referenced request was closed or deleted.
	DriftRemoteClosed DriftKind = "remote_closed"
	// DriftBase: the request's diff base no longer matches the local parent.
	DriftBase DriftKind = "base"
)

// OperationKind names a journaled engine operation.
type OperationKind string

const (
	OperationPublish OperationKind = "publish"
	OperationLand    OperationKind = "land"
	OperationAmend   OperationKind = "amend"
	OperationClose   OperationKind = "close"
	OperationFormat  OperationKind = "format"
)
