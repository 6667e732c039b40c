// Package testutil provides in-memory implementations of the driven ports
// for exercising the engine without git or network access.
//
// FakeRepo models trees as path to content maps and performs real three-way
// merges on them, so cherry-picks, squash merges and conflicts behave like
// their git counterparts at file granularity. FakePlatform stores review
// requests and squash-merges them into the FakeRepo's remote branches.
package testutil
