package dataprovider

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blowfish/enigma/internal/console/auth"
	"github.com/blowfish/enigma/internal/console/httperr"
	"github.com/blowfish/enigma/internal/shared/logging"
)

var errUnauthorized = &httperr.Error{Status: http.StatusUnauthorized, Message: "token expired"}

type fakeChecker struct {
	calls atomic.Int32
	err   error
	wait  chan struct{}
}

func (f *fakeChecker) CheckAuth(ctx context.Context, params auth.CheckParams) error {
	f.calls.Add(1)
	if f.wait != nil {
		<-f.wait
	}
	return f.err
}

// scriptedCall returns the scripted outcomes in order, repeating the last one.
type scriptedCall struct {
	mu       sync.Mutex
	outcomes []error
	calls    int
}

func (s *scriptedCall) fn(ctx context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	s.calls++
	if err := s.outcomes[i]; err != nil {
		return nil, err
	}
	return Record{"id": "tx-1", "attempt": s.calls}, nil
}

func newRetrier(checker AuthChecker, opts ...RetrierOption) *Retrier {
	return NewRetrier(checker, append([]RetrierOption{WithLogger(logging.Discard())}, opts...)...)
}

func TestRetrySuccessPassesThrough(t *testing.T) {
	checker := &fakeChecker{}
	call := &scriptedCall{outcomes: []error{nil}}

	rec, err := Retry(context.Background(), newRetrier(checker), call.fn)
	require.NoError(t, err)
	assert.Equal(t, Record{"id": "tx-1", "attempt": 1}, rec)
	assert.Equal(t, 1, call.calls)
	assert.Zero(t, checker.calls.Load())
}

func TestRetryUnauthorizedThenSuccess(t *testing.T) {
	checker := &fakeChecker{}
	call := &scriptedCall{outcomes: []error{errUnauthorized, nil}}

	rec, err := Retry(context.Background(), newRetrier(checker), call.fn)
	require.NoError(t, err)
	assert.Equal(t, 2, rec["attempt"])
	assert.Equal(t, 2, call.calls)
	assert.Equal(t, int32(1), checker.calls.Load())
}

func TestRetryIsBoundedToOneReplay(t *testing.T) {
	checker := &fakeChecker{}
	call := &scriptedCall{outcomes: []error{errUnauthorized}}

	_, err := Retry(context.Background(), newRetrier(checker), call.fn)
	require.Error(t, err)
	assert.True(t, httperr.IsUnauthorized(err))
	assert.Equal(t, 2, call.calls)
	assert.Equal(t, int32(1), checker.calls.Load())
}

func TestRetryReturnsSecondFailureVerbatim(t *testing.T) {
	second := errors.New("connection reset")
	checker := &fakeChecker{}
	call := &scriptedCall{outcomes: []error{errUnauthorized, second}}

	_, err := Retry(context.Background(), newRetrier(checker), call.fn)
	assert.Same(t, second, err)
}

func TestRetryCheckAuthFailurePropagates(t *testing.T) {
	checkErr := auth.ErrSessionExpired
	checker := &fakeChecker{err: checkErr}
	call := &scriptedCall{outcomes: []error{errUnauthorized, nil}}

	rec, err := Retry(context.Background(), newRetrier(checker), call.fn)
	assert.Same(t, checkErr, err)
	assert.Nil(t, rec)
	assert.Equal(t, 1, call.calls)
	assert.Equal(t, int32(1), checker.calls.Load())
}

func TestRetryOtherErrorsBypassAuth(t *testing.T) {
	for name, callErr := range map[string]error{
		"forbidden":  &httperr.Error{Status: http.StatusForbidden},
		"not found":  &httperr.Error{Status: http.StatusNotFound},
		"server":     &httperr.Error{Status: http.StatusInternalServerError},
		"network":    errors.New("dial tcp: connection refused"),
		"validation": errors.New("id required"),
	} {
		t.Run(name, func(t *testing.T) {
			checker := &fakeChecker{}
			call := &scriptedCall{outcomes: []error{callErr, nil}}

			_, err := Retry(context.Background(), newRetrier(checker), call.fn)
			assert.Same(t, callErr, err)
			assert.Equal(t, 1, call.calls)
			assert.Zero(t, checker.calls.Load())
		})
	}
}

func TestRetryWithoutCoalescingChecksPerCall(t *testing.T) {
	checker := &fakeChecker{}
	r := newRetrier(checker)

	for i := 0; i < 2; i++ {
		call := &scriptedCall{outcomes: []error{errUnauthorized, nil}}
		_, err := Retry(context.Background(), r, call.fn)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), checker.calls.Load())
}

func TestRetryCoalescesConcurrentRefreshes(t *testing.T) {
	const callers = 8
	checker := &fakeChecker{wait: make(chan struct{})}
	r := newRetrier(checker, WithCoalescedRefresh())

	var unauthorized atomic.Int32
	var authed atomic.Bool
	call := func(ctx context.Context) (Record, error) {
		if !authed.Load() {
			unauthorized.Add(1)
			return nil, errUnauthorized
		}
		return Record{"id": "ok"}, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Retry(context.Background(), r, call)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return unauthorized.Load() == callers }, time.Second, time.Millisecond)
	// Give the last caller time to join the in-flight check.
	time.Sleep(50 * time.Millisecond)
	authed.Store(true)
	close(checker.wait)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), checker.calls.Load())
}

func TestRetryCoalescedRespectsCallerContext(t *testing.T) {
	checker := &fakeChecker{wait: make(chan struct{})}
	defer close(checker.wait)
	r := newRetrier(checker, WithCoalescedRefresh())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	call := &scriptedCall{outcomes: []error{errUnauthorized, nil}}

	_, err := Retry(ctx, r, call.fn)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, call.calls)
}

// countingProvider records which methods were invoked and fails the first call of
// each with 401.
type countingProvider struct {
	mu    sync.Mutex
	calls map[string]int
}

func (p *countingProvider) hit(method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[method]++
	if p.calls[method] == 1 {
		return errUnauthorized
	}
	return nil
}

func (p *countingProvider) GetList(ctx context.Context, resource string, params GetListParams) (*GetListResult, error) {
	if err := p.hit("GetList"); err != nil {
		return nil, err
	}
	return &GetListResult{Data: []Record{{"id": "a"}}, Total: 1}, nil
}

func (p *countingProvider) GetOne(ctx context.Context, resource string, params GetOneParams) (Record, error) {
	if err := p.hit("GetOne"); err != nil {
		return nil, err
	}
	return Record{"id": params.ID}, nil
}

func (p *countingProvider) GetMany(ctx context.Context, resource string, params GetManyParams) ([]Record, error) {
	if err := p.hit("GetMany"); err != nil {
		return nil, err
	}
	return []Record{{"id": "a"}}, nil
}

func (p *countingProvider) GetManyReference(ctx context.Context, resource string, params GetManyReferenceParams) (*GetListResult, error) {
	if err := p.hit("GetManyReference"); err != nil {
		return nil, err
	}
	return &GetListResult{}, nil
}

func (p *countingProvider) Create(ctx context.Context, resource string, params CreateParams) (Record, error) {
	if err := p.hit("Create"); err != nil {
		return nil, err
	}
	return params.Data, nil
}

func (p *countingProvider) Update(ctx context.Context, resource string, params UpdateParams) (Record, error) {
	if err := p.hit("Update"); err != nil {
		return nil, err
	}
	return params.Data, nil
}

func (p *countingProvider) UpdateMany(ctx context.Context, resource string, params UpdateManyParams) ([]string, error) {
	if err := p.hit("UpdateMany"); err != nil {
		return nil, err
	}
	return params.IDs, nil
}

func (p *countingProvider) Delete(ctx context.Context, resource string, params DeleteParams) (Record, error) {
	if err := p.hit("Delete"); err != nil {
		return nil, err
	}
	return Record{"id": params.ID}, nil
}

func (p *countingProvider) DeleteMany(ctx context.Context, resource string, params DeleteManyParams) ([]string, error) {
	if err := p.hit("DeleteMany"); err != nil {
		return nil, err
	}
	return params.IDs, nil
}

func (p *countingProvider) Action(ctx context.Context, resource string, params ActionParams) (Record, error) {
	if err := p.hit("Action"); err != nil {
		return nil, err
	}
	return Record{"id": params.ID, "status": "reversed"}, nil
}

func TestAuthRetryingWrapsEveryMethod(t *testing.T) {
	ctx := context.Background()
	inner := &countingProvider{}
	checker := &fakeChecker{}
	dp := WithAuthRetry(inner, checker, WithLogger(logging.Discard()))

	_, err := dp.GetList(ctx, "transactions", GetListParams{})
	require.NoError(t, err)
	_, err = dp.GetOne(ctx, "transactions", GetOneParams{ID: "a"})
	require.NoError(t, err)
	_, err = dp.GetMany(ctx, "transactions", GetManyParams{IDs: []string{"a"}})
	require.NoError(t, err)
	_, err = dp.GetManyReference(ctx, "transactions", GetManyReferenceParams{Target: "merchant_id", ID: "m"})
	require.NoError(t, err)
	_, err = dp.Create(ctx, "transactions", CreateParams{Data: Record{"id": "b"}})
	require.NoError(t, err)
	_, err = dp.Update(ctx, "transactions", UpdateParams{ID: "b", Data: Record{"id": "b"}})
	require.NoError(t, err)
	_, err = dp.UpdateMany(ctx, "transactions", UpdateManyParams{IDs: []string{"b"}})
	require.NoError(t, err)
	_, err = dp.Delete(ctx, "transactions", DeleteParams{ID: "b"})
	require.NoError(t, err)
	_, err = dp.DeleteMany(ctx, "transactions", DeleteManyParams{IDs: []string{"b"}})
	require.NoError(t, err)
	rec, err := dp.Action(ctx, "transactions", ActionParams{ID: "a", Action: "reverse"})
	require.NoError(t, err)
	assert.Equal(t, "reversed", rec["status"])

	for method, n := range inner.calls {
		assert.Equal(t, 2, n, method)
	}
	assert.Len(t, inner.calls, 10)
	assert.Equal(t, int32(10), checker.calls.Load())
}
