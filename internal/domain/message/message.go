// Package message converts between commit message text and model.CommitMetadata.
//
// A message is a title line followed by labelled sections:
//
//	Add retry to uploader
//
//	The uploader now retries transient failures.
//
//	Test Plan: go test ./...
//
//	Reviewers: alice, bob
//
//	Pull Request: https://github.com/acme/app/pull/12
//
// Labels are matched case-insensitively. Lines with labels that are not
// recognised stay part of the surrounding section's text.
package message

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

var (
	// ErrTestPlanMissing is returned by Validate when policy requires a
	// Test Plan section and the message has none.
	ErrTestPlanMissing = errors.New("commit message has no Test Plan section")
	// ErrTitleMissing is returned by Validate for a message with an empty title.
	ErrTitleMissing = errors.New("commit message has no title")
)

type section int

const (
	sectionTitle section = iota
	sectionSummary
	sectionTestPlan
	sectionReviewers
	sectionReviewedBy
	sectionPullRequest
)

const (
	labelTitle       = "Title"
	labelSummary     = "Summary"
	labelTestPlan    = "Test Plan"
	labelReviewers   = "Reviewers"
	labelReviewedBy  = "Reviewed By"
	labelPullRequest = "Pull Request"
)

// lineWidth is the widest "Label: value" line written before the value is
// moved onto its own lines.
const lineWidth = 76

var (
	labelPattern       = regexp.MustCompile(`^\s*([\w\s]+?)\s*:\s*(.*)$`)
	displayNamePattern = regexp.MustCompile(`\([^(),\n]*\)`)
)

func sectionForLabel(label string) (section, bool) {
	switch strings.ToLower(strings.Join(strings.Fields(label), " ")) {
	case "title":
		return sectionTitle, true
	case "summary":
		return sectionSummary, true
	case "test plan":
		return sectionTestPlan, true
	case "reviewer", "reviewers":
		return sectionReviewers, true
	case "reviewed by":
		return sectionReviewedBy, true
	case "pull request":
		return sectionPullRequest, true
	}
	return 0, false
}

// matchLabel reports whether line opens a recognised section and returns the
// text following the colon.
func matchLabel(line string) (section, string, bool) {
	m := labelPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, "", false
	}
	s, ok := sectionForLabel(m[1])
	if !ok {
		return 0, "", false
	}
	return s, m[2], true
}

// Parse reads a full commit message. It never fails: anything it cannot
// place ends up in the description.
func Parse(text string) model.CommitMetadata {
	return parse(text, sectionTitle)
}

// ParseBody reads a review request body, which has no title line.
func ParseBody(text string) model.CommitMetadata {
	return parse(text, sectionSummary)
}

type sections struct {
	text    map[section]string
	present map[section]bool
}

func (s *sections) add(sec section, lines []string) {
	if lines == nil {
		return
	}
	s.present[sec] = true
	t := strings.TrimSpace(strings.Join(lines, "\n"))
	if t == "" {
		return
	}
	if prev := s.text[sec]; prev != "" {
		t = prev + "\n\n" + t
	}
	s.text[sec] = t
}

func parse(text string, start section) model.CommitMetadata {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	s := &sections{text: map[section]string{}, present: map[section]bool{}}

	current := start
	var buf []string
	for i, line := range lines {
		if i == 0 && start == sectionTitle {
			// The first line is always the title; "Title:" is only a label here.
			if sec, payload, ok := matchLabel(line); ok && sec == sectionTitle {
				line = payload
			}
			s.add(sectionTitle, []string{line})
			current = sectionSummary
			continue
		}
		if sec, payload, ok := matchLabel(line); ok && sec != sectionTitle {
			s.add(current, buf)
			current = sec
			buf = []string{payload}
			continue
		}
		buf = append(buf, line)
	}
	s.add(current, buf)

	meta := model.CommitMetadata{
		Title:            s.text[sectionTitle],
		Description:      s.text[sectionSummary],
		Reviewers:        ParseNameList(s.text[sectionReviewers]),
		ApprovedBy:       ParseNameList(s.text[sectionReviewedBy]),
		ReviewRequestRef: s.text[sectionPullRequest],
	}
	if s.present[sectionTestPlan] {
		plan := s.text[sectionTestPlan]
		meta.TestPlan = &plan
	}
	return meta
}

// ParseNameList splits a comma separated list of user names, dropping
// "(Display Name)" annotations and case-insensitive duplicates.
func ParseNameList(text string) []string {
	text = displayNamePattern.ReplaceAllString(text, "")

	var names []string
	seen := make(map[string]bool)
	for _, field := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' }) {
		name := strings.TrimSpace(field)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, name)
	}
	return names
}

// Format renders metadata in canonical layout. Parse(Format(m)) == m for any
// m returned by Parse.
func Format(m model.CommitMetadata) string {
	blocks := trailingBlocks(m)
	title := strings.ReplaceAll(strings.TrimSpace(m.Title), "\n", " ")
	if title == "" && len(blocks) == 0 {
		return ""
	}

	head := title
	if title == "" || isTitleLabel(title) {
		head = labelled(labelTitle, title)
	}
	return strings.Join(append([]string{head}, blocks...), "\n\n")
}

// RequestBody renders the description and test plan, which is what the
// review platform shows as the request body.
func RequestBody(m model.CommitMetadata) string {
	return strings.Join(bodyBlocks(m), "\n\n")
}

// LandingMessage renders the squash commit body: everything except the title.
func LandingMessage(m model.CommitMetadata) string {
	return strings.Join(trailingBlocks(m), "\n\n")
}

// Validate applies message policy. Parse never reports these conditions itself.
func Validate(m model.CommitMetadata, requireTestPlan bool) error {
	if strings.TrimSpace(m.Title) == "" {
		return ErrTitleMissing
	}
	if requireTestPlan && m.TestPlan == nil {
		return ErrTestPlanMissing
	}
	return nil
}

func bodyBlocks(m model.CommitMetadata) []string {
	var blocks []string
	if m.Description != "" {
		if _, _, ok := matchLabel(firstLine(m.Description)); ok {
			blocks = append(blocks, labelled(labelSummary, m.Description))
		} else {
			blocks = append(blocks, m.Description)
		}
	}
	if m.TestPlan != nil {
		blocks = append(blocks, labelled(labelTestPlan, *m.TestPlan))
	}
	return blocks
}

func trailingBlocks(m model.CommitMetadata) []string {
	blocks := bodyBlocks(m)
	if len(m.Reviewers) > 0 {
		blocks = append(blocks, labelled(labelReviewers, strings.Join(m.Reviewers, ", ")))
	}
	if len(m.ApprovedBy) > 0 {
		blocks = append(blocks, labelled(labelReviewedBy, strings.Join(m.ApprovedBy, ", ")))
	}
	if m.ReviewRequestRef != "" {
		blocks = append(blocks, labelled(labelPullRequest, m.ReviewRequestRef))
	}
	return blocks
}

func labelled(label, text string) string {
	switch {
	case text == "":
		return label + ":"
	case !strings.Contains(text, "\n") && len(label)+len(text) <= lineWidth:
		return label + ": " + text
	}
	// A first line that itself looks like a label has to stay on the label
	// line, otherwise it would open a new section when read back.
	if _, _, ok := matchLabel(firstLine(text)); ok {
		return label + ": " + text
	}
	return label + ":\n" + text
}

func isTitleLabel(line string) bool {
	sec, _, ok := matchLabel(line)
	return ok && sec == sectionTitle
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return line
}
