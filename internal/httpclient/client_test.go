package httpclient_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/store-locator/internal/httpclient"
)

const (
	testURL      = "https://www.gamestop.com/stores/store-1234?token=abc"
	testBaseWait = 5 * time.Second
	testSrvWait  = 7 * time.Second
)

// scriptedDoer returns statuses in order, repeating the last one.
type scriptedDoer struct {
	mu       sync.Mutex
	statuses []int
	errs     []error
	calls    int
	headers  []http.Header
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.calls
	d.calls++
	d.headers = append(d.headers, req.Header.Clone())

	if idx < len(d.errs) && d.errs[idx] != nil {
		return nil, d.errs[idx]
	}
	status := d.statuses[min(idx, len(d.statuses)-1)]
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("body")),
		Header:     http.Header{},
		Request:    req,
	}, nil
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func testOptions(maxRetries int, rec *sleepRecorder) httpclient.Options {
	return httpclient.Options{
		MaxRetries:        maxRetries,
		Timeout:           time.Second,
		RateLimitBaseWait: testBaseWait,
		ServerErrorWait:   testSrvWait,
		Sleep:             rec.sleep,
	}
}

func TestGetWithRetry_SuccessFirstTry(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{statuses: []int{http.StatusOK}}
	rec := &sleepRecorder{}

	resp, err := httpclient.GetWithRetry(context.Background(), doer, testURL, testOptions(3, rec))
	require.NoError(t, err)
	require.NotNil(t, resp)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "body", string(body))
	assert.Equal(t, 1, doer.calls)
	assert.Empty(t, rec.waits)
}

func TestGetWithRetry_RetryBoundOnServerErrors(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{statuses: []int{http.StatusInternalServerError}}
	rec := &sleepRecorder{}

	resp, err := httpclient.GetWithRetry(context.Background(), doer, testURL, testOptions(2, rec))
	assert.Nil(t, resp)
	require.ErrorIs(t, err, httpclient.ErrRetriesExhausted)
	assert.Equal(t, 2, doer.calls)
	assert.Equal(t, []time.Duration{testSrvWait}, rec.waits)
}

func TestGetWithRetry_NotFoundFailsFast(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{statuses: []int{http.StatusNotFound}}
	rec := &sleepRecorder{}

	resp, err := httpclient.GetWithRetry(context.Background(), doer, testURL, testOptions(5, rec))
	assert.Nil(t, resp)

	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.NotContains(t, statusErr.URL, "token")
	assert.Equal(t, 1, doer.calls)
	assert.Empty(t, rec.waits)
}

func TestGetWithRetry_RateLimitBackoffGrows(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusTooManyRequests, http.StatusForbidden} {
		doer := &scriptedDoer{statuses: []int{status, status, http.StatusOK}}
		rec := &sleepRecorder{}

		resp, err := httpclient.GetWithRetry(context.Background(), doer, testURL, testOptions(3, rec))
		require.NoError(t, err, "status %d", status)
		require.NotNil(t, resp)
		assert.Equal(t, 3, doer.calls)
		assert.Equal(t, []time.Duration{testBaseWait, 2 * testBaseWait}, rec.waits)
	}
}

func TestGetWithRetry_RequestTimeoutStatusIsRetried(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{statuses: []int{http.StatusRequestTimeout, http.StatusOK}}
	rec := &sleepRecorder{}

	_, err := httpclient.GetWithRetry(context.Background(), doer, testURL, testOptions(3, rec))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{testSrvWait}, rec.waits)
}

func TestGetWithRetry_NetworkErrorTreatedAsServerError(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{
		errs:     []error{errors.New("dial tcp: connection refused")},
		statuses: []int{http.StatusOK},
	}
	rec := &sleepRecorder{}

	resp, err := httpclient.GetWithRetry(context.Background(), doer, testURL, testOptions(3, rec))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 2, doer.calls)
	assert.Equal(t, []time.Duration{testSrvWait}, rec.waits)
}

func TestGetWithRetry_UnexpectedStatusReturnsWithoutRetry(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{statuses: []int{http.StatusFound}}
	rec := &sleepRecorder{}

	resp, err := httpclient.GetWithRetry(context.Background(), doer, testURL, testOptions(3, rec))
	assert.Nil(t, resp)

	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusFound, statusErr.StatusCode)
	assert.Equal(t, 1, doer.calls)
}

func TestGetWithRetry_JitterBeforeEveryAttempt(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{statuses: []int{http.StatusServiceUnavailable, http.StatusOK}}
	rec := &sleepRecorder{}
	opts := testOptions(3, rec)
	opts.MinDelay = time.Second
	opts.MaxDelay = time.Second

	_, err := httpclient.GetWithRetry(context.Background(), doer, testURL, opts)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, testSrvWait, time.Second}, rec.waits)
}

func TestGetWithRetry_HeadersPerAttempt(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{statuses: []int{http.StatusBadGateway, http.StatusOK}}
	rec := &sleepRecorder{}
	opts := testOptions(2, rec)
	n := 0
	opts.Headers = func() http.Header {
		n++
		h := http.Header{}
		h.Set("User-Agent", "agent-"+string(rune('0'+n)))
		return h
	}

	_, err := httpclient.GetWithRetry(context.Background(), doer, testURL, opts)
	require.NoError(t, err)
	require.Len(t, doer.headers, 2)
	assert.Equal(t, "agent-1", doer.headers[0].Get("User-Agent"))
	assert.Equal(t, "agent-2", doer.headers[1].Get("User-Agent"))
}

func TestGetWithRetry_ContextCancelledStopsLoop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	doer := &scriptedDoer{statuses: []int{http.StatusServiceUnavailable}}
	opts := httpclient.Options{
		MaxRetries:      5,
		ServerErrorWait: time.Hour,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}

	resp, err := httpclient.GetWithRetry(ctx, doer, testURL, opts)
	assert.Nil(t, resp)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, doer.calls)
}

func TestGetWithRetry_RealServer(t *testing.T) {
	t.Parallel()

	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	session := httpclient.NewSession(httpclient.SessionConfig{Timeout: time.Second})

	resp, err := httpclient.GetWithRetry(context.Background(), session, srv.URL, testOptions(3, rec))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
}
