// Package domain defines the boundary contract over the hosted asynchronous
// prediction API: submit one unit of work, poll it by id until terminal.
package domain

import (
	"context"
	"errors"
)

// Status is the normalized prediction state. The provider reports a wider
// set (starting, queued, processing, succeeded, failed, cancelled) which the
// adapter folds into these four.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

type SubmitRequest struct {
	Model    string
	Version  string
	InputRef string
	Params   map[string]any
}

// Prediction is one poll observation. Output is only meaningful when Status
// is succeeded, Error when it is failed.
type Prediction struct {
	ExternalID string
	Status     Status
	Output     string
	Error      string
}

// Adapter submits and polls external jobs. It never sleeps and never retries
// internally: transport failures surface as ErrAdapter and backoff belongs to
// the caller. Poll is an idempotent read.
type Adapter interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, externalID string) (*Prediction, error)
	Cancel(ctx context.Context, externalID string) error
}

var (
	// ErrAdapter marks transport or HTTP failures talking to the provider.
	ErrAdapter = errors.New("inference_adapter_error")

	ErrInvalidModel      = errors.New("invalid_model")
	ErrInvalidInput      = errors.New("invalid_input")
	ErrInvalidExternalID = errors.New("invalid_external_id")
	ErrNotConfigured     = errors.New("inference_provider_not_configured")
)
