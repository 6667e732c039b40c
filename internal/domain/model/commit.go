package model

import "time"

// CommitID is a full hexadecimal commit hash.
type CommitID string

// Short returns the abbreviated form used in log and CLI output.
func (id CommitID) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// TreeID is a full hexadecimal tree hash.
type TreeID string

// Signature identifies who authored or committed a commit and when.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Commit is an immutable commit object. "Changing" a commit always means
// creating a new one that takes its place in the chain.
type Commit struct {
	ID        CommitID
	Tree      TreeID
	Parents   []CommitID
	Message   string
	Author    Signature
	Committer Signature
}

// Parent returns the first parent, or "" for a root commit.
func (c Commit) Parent() CommitID {
	if len(c.Parents) == 0 {
		return ""
	}
	return c.Parents[0]
}

// IsMerge reports whether the commit has more than one parent.
func (c Commit) IsMerge() bool {
	return len(c.Parents) > 1
}

// FileChange is a single entry of a tree-to-tree diff.
type FileChange struct {
	Status ChangeStatus
	Path   string
}

// TreeDelta is the set of file changes between two trees.
type TreeDelta struct {
	Changes []FileChange
}

// IsEmpty reports whether the two trees compared were identical.
func (d TreeDelta) IsEmpty() bool {
	return len(d.Changes) == 0
}
