// Package retry runs a generate-and-execute step with bounded regeneration.
//
// The first attempt calls the stage's own generator. Every later attempt
// asks the model to regenerate, feeding it the errors collected so far and
// the most recent response. Generation failures and execution failures
// are treated the same way.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

// DefaultMaxAttempts bounds the total number of attempts per stage.
const DefaultMaxAttempts = 3

// ErrExhausted matches any *ExhaustedError via errors.Is.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Stage    string
	Attempts int
	// Errors is the accumulated error text, one error per line.
	Errors string
	Last   error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts failed: %v", e.Stage, e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Config controls a single Run.
type Config struct {
	Stage       string
	MaxAttempts int
	Logger      *log.Logger
}

// Outcome describes a successful Run.
type Outcome[T any] struct {
	Value         T
	Attempts      int
	Regenerations int
}

// Run executes first, then up to MaxAttempts-1 regenerations, returning on
// the first success. regen receives the accumulated error text and the
// latest model response, which latest supplies before each regeneration.
func Run[T any](
	ctx context.Context,
	cfg Config,
	first func(ctx context.Context) (T, error),
	regen func(ctx context.Context, accumulatedErrors, latestResponse string) (T, error),
	latest func() string,
) (Outcome[T], error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	var (
		out         Outcome[T]
		accumulated strings.Builder
		lastErr     error
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Attempts = attempt

		var (
			value T
			err   error
		)
		if attempt == 1 {
			value, err = first(ctx)
		} else {
			out.Regenerations++
			latestResponse := ""
			if latest != nil {
				latestResponse = latest()
			}
			if latestResponse == "" {
				logger.Printf("Warning: no previous response available for %s regeneration", cfg.Stage)
			}
			value, err = regen(ctx, accumulated.String(), latestResponse)
		}

		if err == nil {
			out.Value = value
			return out, nil
		}

		lastErr = err
		accumulated.WriteString("\n")
		accumulated.WriteString(err.Error())

		if attempt == 1 {
			logger.Printf("Failed on first %s attempt: %v", cfg.Stage, err)
		} else {
			logger.Printf("Regeneration %d/%d failed on %s: %v", attempt-1, maxAttempts-1, cfg.Stage, err)
		}
	}

	return out, &ExhaustedError{
		Stage:    cfg.Stage,
		Attempts: maxAttempts,
		Errors:   accumulated.String(),
		Last:     lastErr,
	}
}
