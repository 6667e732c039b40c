package model

// LocalCommit is one position of the local chain, oldest first from zero.
type LocalCommit struct {
	Index  int
	Commit Commit
	Meta   CommitMetadata
}

// Drift is a local/remote divergence surfaced to the caller.
type Drift struct {
	Kind   DriftKind
	Detail string
	Local  string
	Remote string
}
