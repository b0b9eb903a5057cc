package dataprovider

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/blowfish/enigma/internal/console/auth"
	"github.com/blowfish/enigma/internal/console/httperr"
)

// AuthChecker validates, and if needed refreshes, the current credential.
type AuthChecker interface {
	CheckAuth(ctx context.Context, params auth.CheckParams) error
}

// Retrier replays a call once after re-authenticating when it fails with 401.
type Retrier struct {
	auth     AuthChecker
	logger   *slog.Logger
	coalesce bool
	group    singleflight.Group
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithCoalescedRefresh makes concurrent 401s share one in-flight CheckAuth.
func WithCoalescedRefresh() RetrierOption {
	return func(r *Retrier) { r.coalesce = true }
}

// WithLogger sets the logger used to report retries.
func WithLogger(logger *slog.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = logger }
}

// NewRetrier builds a Retrier around checker.
func NewRetrier(checker AuthChecker, opts ...RetrierOption) *Retrier {
	r := &Retrier{auth: checker, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retry runs call. If it fails with 401, the credential is checked and call runs
// exactly once more; that second outcome is returned as is. A failing credential
// check is returned instead of retrying. Other errors pass straight through.
func Retry[T any](ctx context.Context, r *Retrier, call func(context.Context) (T, error)) (T, error) {
	result, err := call(ctx)
	if err == nil || !httperr.IsUnauthorized(err) {
		return result, err
	}

	r.logger.Debug("request unauthorized, checking credentials", "error", err)
	if authErr := r.checkAuth(ctx); authErr != nil {
		var zero T
		return zero, authErr
	}
	return call(ctx)
}

func (r *Retrier) checkAuth(ctx context.Context) error {
	if !r.coalesce {
		return r.auth.CheckAuth(ctx, auth.CheckParams{})
	}
	// The shared call must not die with whichever caller started it.
	ch := r.group.DoChan("check-auth", func() (any, error) {
		return nil, r.auth.CheckAuth(context.WithoutCancel(ctx), auth.CheckParams{})
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// AuthRetrying decorates a DataProvider so every operation goes through Retry.
type AuthRetrying struct {
	next    DataProvider
	retrier *Retrier
}

var _ DataProvider = (*AuthRetrying)(nil)

// WithAuthRetry wraps next.
func WithAuthRetry(next DataProvider, checker AuthChecker, opts ...RetrierOption) *AuthRetrying {
	return &AuthRetrying{next: next, retrier: NewRetrier(checker, opts...)}
}

// Retrier exposes the underlying Retrier so other callers (e.g. the event stream
// dialer) share its refresh coalescing.
func (a *AuthRetrying) Retrier() *Retrier {
	return a.retrier
}

// GetList lists records, refreshing the session once on 401.
func (a *AuthRetrying) GetList(ctx context.Context, resource string, params GetListParams) (*GetListResult, error) {
	return Retry(ctx, a.retrier, func(ctx context.Context) (*GetListResult, error) {
		return a.next.GetList(ctx, resource, params)
	})
}

// GetOne fetches one record, refreshing the session once on 401.
func (a *AuthRetrying) GetOne(ctx context.Context, resource string, params GetOneParams) (Record, error) {
	return Retry(ctx, a.retrier, func(ctx context.Context) (Record, error) {
		return a.next.GetOne(ctx, resource, params)
	})
}

// GetMany fetches records by id, refreshing the session once on 401.
func (a *AuthRetrying) GetMany(ctx context.Context, resource string, params GetManyParams) ([]Record, error) {
	return Retry(ctx, a.retrier, func(ctx context.Context) ([]Record, error) {
		return a.next.GetMany(ctx, resource, params)
	})
}

// GetManyReference lists records pointing at a target, refreshing the session once on 401.
func (a *AuthRetrying) GetManyReference(ctx context.Context, resource string, params GetManyReferenceParams) (*GetListResult, error) {
	return Retry(ctx, a.retrier, func(ctx context.Context) (*GetListResult, error) {
		return a.next.GetManyReference(ctx, resource, params)
	})
}

// Create adds a record, refreshing the session once on 401.
func (a *AuthRetrying) Create(ctx context.Context, resource string, params CreateParams) (Record, error) {
	return Retry(ctx, a.retrier, func(ctx context.Context) (Record, error) {
		return a.next.Create(ctx, resource, params)
	})
}

// Update replaces a record, refreshing the session once on 401.
func (a *AuthRetrying) Update(ctx context.Context, resource string, params UpdateParams) (Record, error) {
	return Retry(ctx, a.retrier, func(ctx context.Context) (Record, error) {
		return a.next.Update(ctx, resource, params)
	})
}

// UpdateMany patches several records, refreshing the session once on 401.
func (a *AuthRetrying) UpdateMany(ctx context.Context, resource string, params UpdateManyParams) ([]string, error) {
	return Retry(ctx, a.retrier, func(ctx context.Context) ([]string, error) {
		return a.next.UpdateMany(ctx, resource, params)
	})
}

// Delete removes a record, refreshing the session once on 401.
func (a *AuthRetrying) Delete(ctx context.Context, resource string, params DeleteParams) (Record, error) {
	return Retry(ctx, a.retrier, func(ctx context.Context) (Record, error) {
		return a.next.Delete(ctx, resource, params)
	})
}

// DeleteMany removes several records, refreshing the session once on 401.
func (a *AuthRetrying) DeleteMany(ctx context.Context, resource string, params DeleteManyParams) ([]string, error) {
	return Retry(ctx, a.retrier, func(ctx context.Context) ([]string, error) {
		return a.next.DeleteMany(ctx, resource, params)
	})
}

// Action runs a custom action, refreshing the session once on 401.
func (a *AuthRetrying) Action(ctx context.Context, resource string, params ActionParams) (Record, error) {
	return Retry(ctx, a.retrier, func(ctx context.Context) (Record, error) {
		return a.next.Action(ctx, resource, params)
	})
}
