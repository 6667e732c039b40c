package testutil

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

const fakeRequestURL = "https://review.example.test/acme/app/pull/"

var _ driven.ReviewPlatform = (*FakePlatform)(nil)

// FakePlatform is an in-memory driven.ReviewPlatform backed by a FakeRepo's
// remote branches.
type FakePlatform struct {
	mu       sync.Mutex
	repo     *FakeRepo
	requests map[model.RequestID]*model.ReviewRequest
	next     model.RequestID

	// User is reported as the author of created requests.
	User string
	// MergeErr, when set, is returned by MergeRequest.
	MergeErr error
	// Calls records every method invoked, in order.
	Calls []string
}

// NewFakePlatform creates a platform that reads branch tips from repo.
func NewFakePlatform(repo *FakeRepo) *FakePlatform {
	return &FakePlatform{
		repo:     repo,
		requests: make(map[model.RequestID]*model.ReviewRequest),
		next:     1,
		User:     "me",
	}
}

func (p *FakePlatform) record(call string) {
	p.Calls = append(p.Calls, call)
}

// Request returns a snapshot of a stored request, with the head commit read
// from the remote branch.
func (p *FakePlatform) Request(id model.RequestID) (model.ReviewRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(id)
}

// Approve records approvals for a request.
func (p *FakePlatform) Approve(id model.RequestID, users ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := p.requests[id]
	req.Approval.ApprovedBy = append(req.Approval.ApprovedBy, users...)
	req.Approval.Decision = model.DecisionApproved
}

// EditRemote changes title and description as a reviewer using the web UI would.
func (p *FakePlatform) EditRemote(id model.RequestID, title, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests[id].Title = title
	p.requests[id].Description = description
}

// Close closes a request out of band.
func (p *FakePlatform) Close(id model.RequestID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests[id].State = model.RequestClosed
}

// MutatingCalls returns the recorded calls that change platform state.
func (p *FakePlatform) MutatingCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for _, c := range p.Calls {
		if !strings.HasPrefix(c, "Get") && !strings.HasPrefix(c, "List") {
			out = append(out, c)
		}
	}
	return out
}

func (p *FakePlatform) snapshot(id model.RequestID) (model.ReviewRequest, bool) {
	req, ok := p.requests[id]
	if !ok {
		return model.ReviewRequest{}, false
	}
	out := *req
	if out.State != model.RequestMerged {
		if tip := p.repo.RemoteTip(out.HeadRef); tip != "" {
			out.HeadCommit = tip
		}
	}
	out.Reviewers = slices.Clone(req.Reviewers)
	out.Approval.ApprovedBy = slices.Clone(req.Approval.ApprovedBy)
	return out, true
}

func (p *FakePlatform) CreateRequest(_ context.Context, nr driven.NewRequest) (model.ReviewRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("CreateRequest")

	if p.repo.RemoteTip(nr.HeadRef) == "" {
		return model.ReviewRequest{}, fmt.Errorf("head branch %s does not exist", nr.HeadRef)
	}
	if p.repo.RemoteTip(nr.BaseRef) == "" {
		return model.ReviewRequest{}, fmt.Errorf("base branch %s does not exist", nr.BaseRef)
	}

	id := p.next
	p.next++
	p.requests[id] = &model.ReviewRequest{
		ID:          id,
		URL:         fakeRequestURL + strconv.Itoa(int(id)),
		State:       model.RequestOpen,
		Draft:       nr.Draft,
		Title:       nr.Title,
		Description: nr.Description,
		Author:      p.User,
		HeadRef:     nr.HeadRef,
		BaseRef:     nr.BaseRef,
		Approval:    model.Approval{Decision: model.DecisionReviewRequired},
	}
	req, _ := p.snapshot(id)
	return req, nil
}

func (p *FakePlatform) UpdateRequest(_ context.Context, id model.RequestID, upd driven.RequestUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("UpdateRequest")

	req, ok := p.requests[id]
	if !ok {
		return fmt.Errorf("request %d: %w", id, driven.ErrRequestNotFound)
	}
	if upd.BaseRef != nil {
		if p.repo.RemoteTip(*upd.BaseRef) == "" {
			return fmt.Errorf("base branch %s does not exist", *upd.BaseRef)
		}
		req.BaseRef = *upd.BaseRef
	}
	if upd.Title != nil {
		req.Title = *upd.Title
	}
	if upd.Description != nil {
		req.Description = *upd.Description
	}
	if upd.State != nil {
		req.State = *upd.State
	}
	return nil
}

func (p *FakePlatform) GetRequest(_ context.Context, id model.RequestID) (model.ReviewRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("GetRequest")

	req, ok := p.snapshot(id)
	if !ok {
		return model.ReviewRequest{}, fmt.Errorf("request %d: %w", id, driven.ErrRequestNotFound)
	}
	return req, nil
}

func (p *FakePlatform) MergeRequest(_ context.Context, id model.RequestID, spec driven.MergeSpec) (model.CommitID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("MergeRequest")

	if p.MergeErr != nil {
		return "", p.MergeErr
	}
	req, ok := p.requests[id]
	if !ok {
		return "", fmt.Errorf("request %d: %w", id, driven.ErrRequestNotFound)
	}
	if req.State != model.RequestOpen {
		return "", fmt.Errorf("request %d is %s: %w", id, req.State, driven.ErrMergeRejected)
	}
	head := p.repo.RemoteTip(req.HeadRef)
	if spec.ExpectedHead != "" && head != spec.ExpectedHead {
		return "", fmt.Errorf("head moved to %s: %w", head.Short(), driven.ErrMergeRejected)
	}
	tip, err := p.repo.SquashInto(req.BaseRef, head, spec.Title, spec.Message)
	if err != nil {
		return "", fmt.Errorf("squash: %w", driven.ErrMergeRejected)
	}
	req.State = model.RequestMerged
	req.HeadCommit = head
	req.MergeCommit = tip
	return tip, nil
}

func (p *FakePlatform) AddReviewers(_ context.Context, id model.RequestID, reviewers []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("AddReviewers")

	req, ok := p.requests[id]
	if !ok {
		return fmt.Errorf("request %d: %w", id, driven.ErrRequestNotFound)
	}
	for _, r := range reviewers {
		if !slices.Contains(req.Reviewers, r) {
			req.Reviewers = append(req.Reviewers, r)
		}
	}
	return nil
}

func (p *FakePlatform) ListOpenRequests(_ context.Context) ([]model.ReviewRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("ListOpenRequests")

	var out []model.ReviewRequest
	for id := model.RequestID(1); id < p.next; id++ {
		req, ok := p.snapshot(id)
		if ok && req.IsOpen() && req.Author == p.User {
			out = append(out, req)
		}
	}
	return out, nil
}

func (p *FakePlatform) CurrentUser(_ context.Context) (string, error) {
	return p.User, nil
}

func (p *FakePlatform) ParseRequestRef(ref string) (model.RequestID, bool) {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, fakeRequestURL)
	ref = strings.TrimPrefix(ref, "#")
	n, err := strconv.Atoi(ref)
	if err != nil || n <= 0 {
		return 0, false
	}
	return model.RequestID(n), true
}

func (p *FakePlatform) RequestURL(id model.RequestID) string {
	return fakeRequestURL + strconv.Itoa(int(id))
}
