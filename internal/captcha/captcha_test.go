package captcha

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/retry"
)

type oracleFunc func(ctx context.Context, image string) (string, error)

func (f oracleFunc) SolveImage(ctx context.Context, image string) (string, error) {
	return f(ctx, image)
}

func imageServer(t *testing.T, failures int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(hits.Add(1)) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestSolverEncodesImage(t *testing.T) {
	srv, _ := imageServer(t, 0)
	var seen string
	solver, err := NewSolver(oracleFunc(func(_ context.Context, image string) (string, error) {
		seen = image
		return "ab12c", nil
	}), WithSleeper(&retry.Recorder{}))
	require.NoError(t, err)

	text, err := solver.Solve(context.Background(), srv.URL+"/captcha.png")
	require.NoError(t, err)
	assert.Equal(t, "ab12c", text)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), seen)
}

func TestSolverRetriesWithBackoff(t *testing.T) {
	srv, hits := imageServer(t, 2)
	rec := &retry.Recorder{}
	solver, err := NewSolver(oracleFunc(func(context.Context, string) (string, error) {
		return "xyz99", nil
	}), WithSleeper(rec))
	require.NoError(t, err)

	text, err := solver.Solve(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "xyz99", text)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second}, rec.Waits())
	assert.Equal(t, []string{"Retry attempt 1/3", "Retry attempt 2/3"}, rec.Notes())
}

func TestSolverGivesUpAfterMaxRetries(t *testing.T) {
	srv, _ := imageServer(t, 0)
	var calls int
	rec := &retry.Recorder{}
	solver, err := NewSolver(oracleFunc(func(context.Context, string) (string, error) {
		calls++
		return "", nil
	}), WithSleeper(rec))
	require.NoError(t, err)

	_, err = solver.Solve(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, CodeCaptchaFailed, xerrors.CodeOf(err))
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second}, rec.Waits())
}

func TestSolverRejectsEmptyURL(t *testing.T) {
	solver, err := NewSolver(oracleFunc(func(context.Context, string) (string, error) {
		t.Fatal("oracle must not be called")
		return "", nil
	}))
	require.NoError(t, err)

	_, err = solver.Solve(context.Background(), " ")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = NewSolver(nil)
	assert.Error(t, err)
}

func TestSolverStopsOnCancel(t *testing.T) {
	srv, _ := imageServer(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	solver, err := NewSolver(oracleFunc(func(context.Context, string) (string, error) {
		cancel()
		return "", errors.New("boom")
	}), WithSleeper(&retry.Recorder{}))
	require.NoError(t, err)

	_, err = solver.Solve(ctx, srv.URL)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAntiCaptchaPollsUntilReady(t *testing.T) {
	var polls atomic.Int32
	var task ImageTask
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			var body createTaskRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "secret", body.ClientKey)
			task = body.Task
			_, _ = w.Write([]byte(`{"errorId":0,"taskId":77}`))
		case "/getTaskResult":
			var body taskResultRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, int64(77), body.TaskID)
			if polls.Add(1) < 3 {
				_, _ = w.Write([]byte(`{"errorId":0,"status":"processing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"errorId":0,"status":"ready","solution":{"text":"q7w8e"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rec := &retry.Recorder{}
	oracle, err := NewAntiCaptcha("secret", srv.URL+"/", WithAntiCaptchaSleeper(rec))
	require.NoError(t, err)

	text, err := oracle.SolveImage(context.Background(), "aW1n")
	require.NoError(t, err)
	assert.Equal(t, "q7w8e", text)
	assert.Equal(t, "ImageToTextTask", task.Type)
	assert.Equal(t, "aW1n", task.Body)
	assert.Equal(t, 5, task.MinLength)
	assert.Equal(t, 6, task.MaxLength)
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second, 2 * time.Second}, rec.Waits())
}

func TestAntiCaptchaSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errorId":1,"errorCode":"ERROR_KEY_DOES_NOT_EXIST","errorDescription":"Account authorization key not found"}`))
	}))
	defer srv.Close()

	oracle, err := NewAntiCaptcha("bad", srv.URL, WithAntiCaptchaSleeper(&retry.Recorder{}))
	require.NoError(t, err)

	_, err = oracle.SolveImage(context.Background(), "aW1n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR_KEY_DOES_NOT_EXIST")

	_, err = NewAntiCaptcha("", "")
	assert.Error(t, err)
}
