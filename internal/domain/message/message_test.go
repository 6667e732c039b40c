package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

func strPtr(s string) *string { return &s }

func TestParse_AllSections(t *testing.T) {
	msg := "Add retry to uploader\n\n" +
		"The uploader now retries transient failures.\n\n" +
		"Test Plan: go test ./...\n\n" +
		"Reviewers: alice (Alice Anders), Bob, alice\n\n" +
		"Reviewed By: carol\n\n" +
		"Pull Request: https://github.com/acme/app/pull/12\n"

	got := Parse(msg)

	assert.Equal(t, "Add retry to uploader", got.Title)
	assert.Equal(t, "The uploader now retries transient failures.", got.Description)
	require.NotNil(t, got.TestPlan)
	assert.Equal(t, "go test ./...", *got.TestPlan)
	assert.Equal(t, []string{"alice", "Bob"}, got.Reviewers)
	assert.Equal(t, []string{"carol"}, got.ApprovedBy)
	assert.Equal(t, "https://github.com/acme/app/pull/12", got.ReviewRequestRef)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want model.CommitMetadata
	}{
		{
			name: "title only",
			msg:  "Fix typo",
			want: model.CommitMetadata{Title: "Fix typo"},
		},
		{
			name: "labels are case insensitive and whitespace tolerant",
			msg:  "Fix\n\n  test plan :  manual\nREVIEWER: dave",
			want: model.CommitMetadata{Title: "Fix", TestPlan: strPtr("manual"), Reviewers: []string{"dave"}},
		},
		{
			name: "unknown labels stay in the description",
			msg:  "Fix\n\nCloses: #4\nmore detail",
			want: model.CommitMetadata{Title: "Fix", Description: "Closes: #4\nmore detail"},
		},
		{
			name: "repeated sections are appended",
			msg:  "T\n\nTest Plan: a\n\nSummary: x\n\nTest Plan: b",
			want: model.CommitMetadata{Title: "T", Description: "x", TestPlan: strPtr("a\n\nb")},
		},
		{
			name: "title label on the first line",
			msg:  "Title: Hello\n\nbody",
			want: model.CommitMetadata{Title: "Hello", Description: "body"},
		},
		{
			name: "title label after the first line is text",
			msg:  "Hello\n\nTitle: not a title",
			want: model.CommitMetadata{Title: "Hello", Description: "Title: not a title"},
		},
		{
			name: "empty test plan is still present",
			msg:  "T\n\nTest Plan:",
			want: model.CommitMetadata{Title: "T", TestPlan: strPtr("")},
		},
		{
			name: "multi-line test plan",
			msg:  "T\n\nTest Plan:\n- unit tests\n- manual run",
			want: model.CommitMetadata{Title: "T", TestPlan: strPtr("- unit tests\n- manual run")},
		},
		{
			name: "crlf line endings",
			msg:  "T\r\n\r\nBody\r\n\r\nPull Request: #7\r\n",
			want: model.CommitMetadata{Title: "T", Description: "Body", ReviewRequestRef: "#7"},
		},
		{
			name: "empty message",
			msg:  "",
			want: model.CommitMetadata{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Parse(tc.msg))
		})
	}
}

func TestFormat_CanonicalLayout(t *testing.T) {
	meta := model.CommitMetadata{
		Title:            "Add retry to uploader",
		Description:      "The uploader now retries.",
		TestPlan:         strPtr("go test ./..."),
		Reviewers:        []string{"alice", "bob"},
		ApprovedBy:       []string{"carol"},
		ReviewRequestRef: "https://github.com/acme/app/pull/12",
	}

	want := "Add retry to uploader\n\n" +
		"The uploader now retries.\n\n" +
		"Test Plan: go test ./...\n\n" +
		"Reviewers: alice, bob\n\n" +
		"Reviewed By: carol\n\n" +
		"Pull Request: https://github.com/acme/app/pull/12"

	assert.Equal(t, want, Format(meta))
}

func TestFormat_LongValuesMoveToNextLine(t *testing.T) {
	plan := strings.Repeat("x", 80)
	got := Format(model.CommitMetadata{Title: "T", TestPlan: &plan})
	assert.Equal(t, "T\n\nTest Plan:\n"+plan, got)
}

func TestFormat_EmptyTitleWithBody(t *testing.T) {
	got := Format(model.CommitMetadata{Description: "body"})
	assert.Equal(t, "Title:\n\nbody", got)
}

func TestFormat_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"Fix typo",
		"\nbody only",
		"Title: Title: nested",
		"Reviewers: bob",
		"T\n\nSummary: Reviewers: bob\nline2",
		"T\n\nTest Plan: Pull Request: 5\nmore lines",
		"T\n\nTest Plan:\n\n\nReviewers:",
		"T\n\nBody\n\nReviewers: " + strings.Repeat("someone, ", 20) + "last",
		"T\r\n\r\nBody with Closes: #1\r\n\r\nTest Plan: ci\r\n\r\nReviewed By: a (A), b\r\n\r\nPull Request: #3",
		"T\n\nTest Plan: a\n\nSummary: x\n\nTest Plan: b\n\nSummary: y",
		"  Spaced title  \n\n  indented body\n    more\n",
	}

	for _, in := range inputs {
		first := Parse(in)
		formatted := Format(first)
		second := Parse(formatted)

		assert.Equal(t, first, second, "input %q formatted as %q", in, formatted)
		assert.Equal(t, formatted, Format(second), "input %q", in)
	}
}

func TestFormat_PreservesLinkAndApprovers(t *testing.T) {
	meta := model.CommitMetadata{
		Title:            "T",
		ApprovedBy:       []string{"carol", "dave"},
		ReviewRequestRef: "https://gitlab.example.com/acme/app/-/merge_requests/9",
	}

	got := Parse(Format(meta))

	assert.Equal(t, meta.ApprovedBy, got.ApprovedBy)
	assert.Equal(t, meta.ReviewRequestRef, got.ReviewRequestRef)
}

func TestRequestBody_RoundTrip(t *testing.T) {
	meta := model.CommitMetadata{
		Title:       "ignored",
		Description: "Explains the change.",
		TestPlan:    strPtr("ran it"),
		Reviewers:   []string{"alice"},
	}

	body := RequestBody(meta)
	assert.Equal(t, "Explains the change.\n\nTest Plan: ran it", body)

	back := ParseBody(body)
	assert.Equal(t, meta.Description, back.Description)
	assert.Equal(t, meta.TestPlan, back.TestPlan)
	assert.Empty(t, back.Title)
}

func TestLandingMessage(t *testing.T) {
	meta := model.CommitMetadata{
		Title:            "T",
		Description:      "D",
		TestPlan:         strPtr("P"),
		ApprovedBy:       []string{"carol"},
		ReviewRequestRef: "#5",
	}
	assert.Equal(t, "D\n\nTest Plan: P\n\nReviewed By: carol\n\nPull Request: #5", LandingMessage(meta))
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(model.CommitMetadata{}, false), ErrTitleMissing)
	assert.ErrorIs(t, Validate(model.CommitMetadata{Title: "T"}, true), ErrTestPlanMissing)
	assert.NoError(t, Validate(model.CommitMetadata{Title: "T"}, false))
	assert.NoError(t, Validate(model.CommitMetadata{Title: "T", TestPlan: strPtr("")}, true))
}

func TestParseNameList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"alice", []string{"alice"}},
		{"alice (Alice Anders), bob,, Alice", []string{"alice", "bob"}},
		{"#platform-team, eve\nmallory", []string{"#platform-team", "eve", "mallory"}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ParseNameList(tc.in), "input %q", tc.in)
	}
}
