package throttle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-graph/config"
)

func newTestFetcher(opts Options) (*Fetcher, *[]time.Duration) {
	f := New(opts, nil)
	var slept []time.Duration
	f.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	f.jitter = func() float64 { return 0.5 }
	return f, &slept
}

func baseOpts() Options {
	return Options{
		Default:     config.Budget{Max: 1000, Window: time.Second},
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      0.2,
	}
}

func TestCallRetriesTransientThenSucceeds(t *testing.T) {
	f, slept := newTestFetcher(baseOpts())
	calls := 0
	err := f.Call(context.Background(), "openalex", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
}

func TestCallPermanentFailsImmediately(t *testing.T) {
	f, slept := newTestFetcher(baseOpts())
	calls := 0
	err := f.Call(context.Background(), "pubmed", func(ctx context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusNotFound}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "pubmed", fe.Source)
	assert.Equal(t, 1, fe.Attempts)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestCallExhaustsAttempts(t *testing.T) {
	opts := baseOpts()
	opts.MaxAttempts = 3
	f, slept := newTestFetcher(opts)
	calls := 0
	err := f.Call(context.Background(), "europepmc", func(ctx context.Context) error {
		calls++
		return syscall.ECONNRESET
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, syscall.ECONNRESET))
}

func TestCallHonoursRetryAfter(t *testing.T) {
	f, slept := newTestFetcher(baseOpts())
	calls := 0
	err := f.Call(context.Background(), "openalex", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 700 * time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{700 * time.Millisecond}, *slept)
}

func TestCallRetryAfterIsCappedAtMaxDelay(t *testing.T) {
	f, slept := newTestFetcher(baseOpts())
	calls := 0
	_ = f.Call(context.Background(), "openalex", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Hour}
		}
		return nil
	})
	assert.Equal(t, []time.Duration{time.Second}, *slept)
}

func TestCallPerCallTimeoutIsTransient(t *testing.T) {
	opts := baseOpts()
	opts.MaxAttempts = 2
	opts.CallTimeout = 10 * time.Millisecond
	f, _ := newTestFetcher(opts)
	calls := 0
	err := f.Call(context.Background(), "openalex", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, IsTransient(err))
}

func TestCallStopsWhenCallerCancels(t *testing.T) {
	f, _ := newTestFetcher(baseOpts())
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := f.Call(ctx, "openalex", func(ctx context.Context) error {
		calls++
		cancel()
		return &StatusError{StatusCode: http.StatusBadGateway}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBudgetSuspendsCaller(t *testing.T) {
	opts := baseOpts()
	opts.Budgets = map[string]config.Budget{"pubmed": {Max: 2, Window: 100 * time.Millisecond}}
	f := New(opts, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.Call(context.Background(), "pubmed", func(ctx context.Context) error { return nil }))
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestBudgetsAreIndependentPerSource(t *testing.T) {
	opts := baseOpts()
	opts.Budgets = map[string]config.Budget{"slow": {Max: 1, Window: time.Hour}}
	f := New(opts, nil)
	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, f.Call(context.Background(), "slow", noop))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.Call(ctx, "slow", noop)
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	require.NoError(t, f.Call(context.Background(), "fast", noop))
}

func TestResetRestoresBudget(t *testing.T) {
	opts := baseOpts()
	opts.Budgets = map[string]config.Budget{"slow": {Max: 1, Window: time.Hour}}
	f := New(opts, nil)
	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, f.Call(context.Background(), "slow", noop))
	f.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, f.Call(ctx, "slow", noop))
}

func TestConcurrentCallers(t *testing.T) {
	f := New(baseOpts(), nil)
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Call(context.Background(), "openalex", func(ctx context.Context) error { return nil }) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(32), ok.Load())
}

func TestObserve(t *testing.T) {
	f, _ := newTestFetcher(baseOpts())
	var results []string
	f.Observe = func(source, result string) { results = append(results, source+"/"+result) }

	calls := 0
	_ = f.Call(context.Background(), "openalex", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &StatusError{StatusCode: http.StatusInternalServerError}
		}
		return nil
	})
	_ = f.Call(context.Background(), "openalex", func(ctx context.Context) error {
		return &StatusError{StatusCode: http.StatusForbidden}
	})
	assert.Equal(t, []string{"openalex/retry", "openalex/ok", "openalex/permanent"}, results)
}

func TestDo(t *testing.T) {
	f, _ := newTestFetcher(baseOpts())
	v, err := Do(context.Background(), f, "openalex", func(ctx context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBackoffJitterBounds(t *testing.T) {
	f := New(baseOpts(), nil)
	f.jitter = func() float64 { return 0 }
	assert.Equal(t, 80*time.Millisecond, f.backoff(1))
	f.jitter = func() float64 { return 1 }
	assert.Equal(t, 120*time.Millisecond, f.backoff(1))
	f.jitter = func() float64 { return 0.5 }
	assert.Equal(t, time.Second, f.backoff(10))
}

func TestClassify(t *testing.T) {
	jsonErr := json.Unmarshal([]byte("{"), &struct{}{})
	require.Error(t, jsonErr)

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"429", &StatusError{StatusCode: 429}, Transient},
		{"408", &StatusError{StatusCode: 408}, Transient},
		{"503", &StatusError{StatusCode: 503}, Transient},
		{"400", &StatusError{StatusCode: 400}, Permanent},
		{"401", &StatusError{StatusCode: 401}, Permanent},
		{"deadline", context.DeadlineExceeded, Transient},
		{"reset", syscall.ECONNRESET, Transient},
		{"eof", io.ErrUnexpectedEOF, Transient},
		{"malformed json", jsonErr, Permanent},
		{"marked transient", MarkTransient(errors.New("x")), Transient},
		{"marked permanent", MarkPermanent(&StatusError{StatusCode: 503}), Permanent},
		{"unknown", errors.New("boom"), Permanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := Classify(tc.err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHTTPGetStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	defer srv.Close()

	_, err := HTTPGet(context.Background(), NewHTTPClient("test-agent"), srv.URL)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, 3*time.Second, se.RetryAfter)
	assert.Equal(t, "busy", se.Body)
}

func TestFetcherGetJSON(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count": 7}`))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(baseOpts())
	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, f.GetJSON(context.Background(), srv.Client(), "openalex", srv.URL, &out))
	assert.Equal(t, 7, out.Count)
	assert.Equal(t, int32(2), hits.Load())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
}
