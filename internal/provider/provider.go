package provider

import (
	"context"
	"errors"
	"fmt"
)

// Image is one picture travelling to or from the provider.
type Image struct {
	Data        []byte
	ContentType string
}

// Request is a validated generation request.
type Request struct {
	Standing []Image
	Outfit   Image
	Prompt   string
}

// Generator is the external image-generation provider.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Image, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Image, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Image, error) {
	return f(ctx, req)
}

// Unavailable fails every call with reason. Used when no provider is configured.
func Unavailable(reason error) Generator {
	return GeneratorFunc(func(ctx context.Context, req Request) (*Image, error) {
		return nil, &Error{Message: "not configured", Err: reason}
	})
}

// Error is every failure coming out of a Generator call.
type Error struct {
	StatusCode int
	Timeout    bool
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return "provider timed out"
	case e.StatusCode != 0:
		return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
	case e.Err != nil:
		return "provider: " + e.Err.Error()
	default:
		return "provider: " + e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap turns any error into *Error. Only an exceeded deadline counts as a
// timeout; a cancelled caller is reported as a plain failure.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}
