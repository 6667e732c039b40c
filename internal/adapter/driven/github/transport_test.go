package github

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestRevalidatingTransport(t *testing.T) {
	var seen string
	rt := revalidatingTransport{base: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seen = r.Header.Get("Cache-Control")
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
	})}

	get, err := http.NewRequest(http.MethodGet, "https://api.github.com/repos/o/r/pulls/1", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(get)
	require.NoError(t, err)
	assert.Equal(t, "max-age=0", seen)
	assert.Empty(t, get.Header.Get("Cache-Control"), "caller's request is not mutated")

	post, err := http.NewRequest(http.MethodPost, "https://api.github.com/repos/o/r/pulls", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(post)
	require.NoError(t, err)
	assert.Empty(t, seen)
}
