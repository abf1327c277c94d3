package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_FirstAttemptSucceeds(t *testing.T) {
	regenCalls := 0
	out, err := Run(context.Background(), Config{Stage: "analysis"},
		func(ctx context.Context) (string, error) { return "ok", nil },
		func(ctx context.Context, acc, latest string) (string, error) {
			regenCalls++
			return "", nil
		},
		func() string { return "" },
	)

	require.NoError(t, err)
	assert.Equal(t, "ok", out.Value)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 0, out.Regenerations)
	assert.Equal(t, 0, regenCalls)
}

func TestRun_SucceedsOnSecondAttempt(t *testing.T) {
	var gotAcc, gotLatest string
	regenCalls := 0

	out, err := Run(context.Background(), Config{Stage: "analysis"},
		func(ctx context.Context) (int, error) { return 0, errors.New("exit code 1: NameError") },
		func(ctx context.Context, acc, latest string) (int, error) {
			regenCalls++
			gotAcc, gotLatest = acc, latest
			return 42, nil
		},
		func() string { return "previous response" },
	)

	require.NoError(t, err)
	assert.Equal(t, 42, out.Value)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, out.Regenerations)
	assert.Equal(t, 1, regenCalls)
	assert.Equal(t, "\nexit code 1: NameError", gotAcc)
	assert.Equal(t, "previous response", gotLatest)
}

func TestRun_ExhaustsAfterThreeAttempts(t *testing.T) {
	var accumulated []string
	regenCalls := 0

	_, err := Run(context.Background(), Config{Stage: "remediation"},
		func(ctx context.Context) (string, error) { return "", errors.New("first failure") },
		func(ctx context.Context, acc, latest string) (string, error) {
			regenCalls++
			accumulated = append(accumulated, acc)
			return "", fmt.Errorf("regen failure %d", regenCalls)
		},
		func() string { return "latest" },
	)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.Equal(t, 2, regenCalls, "regenerate is called exactly MaxAttempts-1 times")

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "remediation", exhausted.Stage)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "\nfirst failure\nregen failure 1\nregen failure 2", exhausted.Errors)

	// each regeneration sees every earlier error
	assert.Equal(t, []string{
		"\nfirst failure",
		"\nfirst failure\nregen failure 1",
	}, accumulated)
}

func TestRun_CustomMaxAttempts(t *testing.T) {
	regenCalls := 0
	_, err := Run(context.Background(), Config{Stage: "strategy", MaxAttempts: 5},
		func(ctx context.Context) (string, error) { return "", errors.New("boom") },
		func(ctx context.Context, acc, latest string) (string, error) {
			regenCalls++
			return "", errors.New("boom")
		},
		nil,
	)

	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 4, regenCalls)
}

func TestRun_ContextCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	regenCalls := 0
	_, err := Run(ctx, Config{Stage: "analysis"},
		func(ctx context.Context) (string, error) {
			cancel()
			return "", errors.New("failed")
		},
		func(ctx context.Context, acc, latest string) (string, error) {
			regenCalls++
			return "", nil
		},
		func() string { return "" },
	)

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrExhausted))
	assert.Equal(t, 0, regenCalls)
}

func TestRun_LogsMissingLatestResponse(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	_, err := Run(context.Background(), Config{Stage: "threat_research", Logger: logger},
		func(ctx context.Context) (string, error) { return "", errors.New("failed") },
		func(ctx context.Context, acc, latest string) (string, error) { return "done", nil },
		func() string { return "" },
	)

	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "no previous response available for threat_research"))
	assert.True(t, strings.Contains(buf.String(), "Failed on first threat_research attempt"))
}
