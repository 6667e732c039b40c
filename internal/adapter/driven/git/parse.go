package git

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

var errMalformedCommit = errors.New("malformed commit object")

// parseCommit decodes the raw output of "git cat-file commit".
func parseCommit(id model.CommitID, raw string) (model.Commit, error) {
	header, message, ok := strings.Cut(raw, "\n\n")
	if !ok {
		header = strings.TrimRight(raw, "\n")
	}

	c := model.Commit{ID: id, Message: strings.TrimRight(message, "\n")}
	for _, line := range strings.Split(header, "\n") {
		// Continuation lines belong to multi-line headers such as gpgsig.
		if strings.HasPrefix(line, " ") {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "tree":
			c.Tree = model.TreeID(value)
		case "parent":
			c.Parents = append(c.Parents, model.CommitID(value))
		case "author":
			sig, err := parseSignature(value)
			if err != nil {
				return model.Commit{}, fmt.Errorf("author: %w", err)
			}
			c.Author = sig
		case "committer":
			sig, err := parseSignature(value)
			if err != nil {
				return model.Commit{}, fmt.Errorf("committer: %w", err)
			}
			c.Committer = sig
		}
	}
	if c.Tree == "" {
		return model.Commit{}, errMalformedCommit
	}
	return c, nil
}

// parseSignature decodes "Name <email> 1700000000 +0200".
func parseSignature(s string) (model.Signature, error) {
	open := strings.LastIndex(s, "<")
	closing := strings.LastIndex(s, ">")
	if open < 0 || closing < open {
		return model.Signature{}, errMalformedCommit
	}
	sig := model.Signature{
		Name:  strings.TrimSpace(s[:open]),
		Email: s[open+1 : closing],
	}

	fields := strings.Fields(s[closing+1:])
	if len(fields) != 2 {
		return model.Signature{}, errMalformedCommit
	}
	secs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return model.Signature{}, errMalformedCommit
	}
	loc, err := parseZone(fields[1])
	if err != nil {
		return model.Signature{}, err
	}
	sig.When = time.Unix(secs, 0).In(loc)
	return sig, nil
}

func parseZone(z string) (*time.Location, error) {
	if len(z) != 5 || (z[0] != '+' && z[0] != '-') {
		return nil, errMalformedCommit
	}
	hours, err1 := strconv.Atoi(z[1:3])
	mins, err2 := strconv.Atoi(z[3:5])
	if err1 != nil || err2 != nil {
		return nil, errMalformedCommit
	}
	offset := hours*3600 + mins*60
	if z[0] == '-' {
		offset = -offset
	}
	return time.FixedZone("", offset), nil
}

// formatDate renders a signature time in git's internal "unix +zone" format.
func formatDate(sig model.Signature) string {
	when := sig.When
	if when.IsZero() {
		when = time.Now()
	}
	return fmt.Sprintf("%d %s", when.Unix(), when.Format("-0700"))
}

// parseNameStatus decodes "diff-tree -z --name-status" output, which
// alternates status and path fields separated by NUL.
func parseNameStatus(out string) model.TreeDelta {
	fields := strings.Split(strings.TrimRight(out, "\x00"), "\x00")
	var delta model.TreeDelta
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == "" {
			continue
		}
		delta.Changes = append(delta.Changes, model.FileChange{
			Status: model.ChangeStatus(fields[i][:1]),
			Path:   fields[i+1],
		})
	}
	return delta
}

// conflictedPaths extracts the file names listed after the tree id in
// "merge-tree --write-tree" output for a conflicted merge.
func conflictedPaths(out string) string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	seen := make(map[string]bool)
	var paths []string
	for _, line := range lines[1:] {
		_, path, ok := strings.Cut(line, "\t")
		if !ok || seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		return ""
	}
	return "conflicts in " + strings.Join(paths, ", ")
}
