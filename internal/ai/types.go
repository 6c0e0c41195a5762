package ai

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Blob is an inline binary attachment (page image) for a request.
type Blob struct {
	MIMEType   string
	DataBase64 string
}

// Part is one piece of a prompt: text, or an inline image.
type Part struct {
	Text   string
	Inline *Blob
}

// Request is one completion call. The credential is passed separately
// by the executor so the pool decides which key each attempt uses.
type Request struct {
	JobID   string
	Parts   []Part
	Timeout time.Duration
}

type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Client is the completion service boundary.
type Client interface {
	Name() string
	Generate(ctx context.Context, apiKey string, req Request) (Response, error)
}

var (
	ErrRateLimited   = errors.New("rate_limited")
	ErrEmptyResponse = errors.New("empty_response")
)

// IsRateLimited reports whether err carries a rate-limit/quota signal,
// either as the sentinel or embedded in a provider error message.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "rate limit") ||
		strings.Contains(s, "quota") ||
		strings.Contains(s, "429") ||
		strings.Contains(s, "resource_exhausted")
}

// IsEmpty reports whether err means the service answered without
// usable text.
func IsEmpty(err error) bool { return errors.Is(err, ErrEmptyResponse) }
