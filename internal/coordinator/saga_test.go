package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingStep(name string, log *[]string, doErr, compErr error) Step {
	return Step{
		Name: name,
		Do: func(context.Context) error {
			*log = append(*log, "do:"+name)
			return doErr
		},
		Compensate: func(context.Context) error {
			*log = append(*log, "undo:"+name)
			return compErr
		},
	}
}

func TestRunSaga_AllStepsSucceed(t *testing.T) {
	var log []string

	err := runSaga(context.Background(), "test",
		recordingStep("a", &log, nil, nil),
		recordingStep("b", &log, nil, nil),
	)

	require.NoError(t, err)
	assert.Equal(t, []string{"do:a", "do:b"}, log)
}

func TestRunSaga_CompensatesInReverseOrder(t *testing.T) {
	var log []string
	boom := errors.New("boom")

	err := runSaga(context.Background(), "test",
		recordingStep("a", &log, nil, nil),
		recordingStep("b", &log, nil, nil),
		recordingStep("c", &log, boom, nil),
		recordingStep("d", &log, nil, nil),
	)

	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "test: c")
	assert.Equal(t, []string{"do:a", "do:b", "do:c", "undo:b", "undo:a"}, log)
}

func TestRunSaga_CompensationErrorIsNotReturned(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	undoFailed := errors.New("undo failed")

	err := runSaga(context.Background(), "flaky-undo",
		recordingStep("a", &log, nil, undoFailed),
		Step{Name: "b", Do: func(context.Context) error { return boom }},
	)

	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, undoFailed)
	assert.Equal(t, []string{"do:a", "undo:a"}, log)
}

func TestRunSaga_CancelledContextStopsAndCompensates(t *testing.T) {
	var log []string
	ctx, cancel := context.WithCancel(context.Background())

	first := Step{
		Name: "a",
		Do: func(context.Context) error {
			log = append(log, "do:a")
			cancel()
			return nil
		},
		Compensate: func(ctx context.Context) error {
			// Compensation still gets a live context.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log = append(log, "undo:a")
			return nil
		},
	}

	err := runSaga(ctx, "test", first, recordingStep("b", &log, nil, nil))

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"do:a", "undo:a"}, log)
}
