package dataprovider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blowfish/enigma/internal/console/auth"
	"github.com/blowfish/enigma/internal/console/httperr"
	"github.com/blowfish/enigma/internal/shared/listquery"
	"github.com/blowfish/enigma/internal/shared/logging"
)

type staticToken struct {
	token string
	err   error
}

func (s staticToken) AccessToken(context.Context) (string, error) {
	return s.token, s.err
}

type capturedRequest struct {
	method string
	path   string
	query  map[string][]string
	auth   string
	reqID  string
	body   map[string]any
}

func newRESTServer(t *testing.T, status int, response string) (*REST, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.query = r.URL.Query()
		captured.auth = r.Header.Get("Authorization")
		captured.reqID = r.Header.Get("X-Request-ID")
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &captured.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	client, err := NewREST(srv.URL, staticToken{token: "tok"}, nil, logging.Discard())
	require.NoError(t, err)
	return client, captured
}

func TestRESTGetListEncodesQuery(t *testing.T) {
	client, captured := newRESTServer(t, http.StatusOK, `{"data":[{"id":"tx-1","amount":12.5}],"total":31}`)

	q := listquery.New()
	q.Page = 2
	q.Sort = listquery.Sort{Field: "amount", Order: listquery.OrderDesc}
	q.Filter = map[string]any{"status": "settled"}

	res, err := client.GetList(context.Background(), "transactions", GetListParams{Query: q})
	require.NoError(t, err)
	assert.Equal(t, 31, res.Total)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "tx-1", res.Data[0].ID())

	assert.Equal(t, http.MethodGet, captured.method)
	assert.Equal(t, "/api/v1/transactions", captured.path)
	assert.Equal(t, []string{"2"}, captured.query["page"])
	assert.Equal(t, []string{"amount"}, captured.query["sort"])
	assert.Equal(t, []string{"DESC"}, captured.query["order"])
	assert.JSONEq(t, `{"status":"settled"}`, captured.query["filter"][0])
	assert.Equal(t, "Bearer tok", captured.auth)
	assert.NotEmpty(t, captured.reqID)
}

func TestRESTGetManySendsIDs(t *testing.T) {
	client, captured := newRESTServer(t, http.StatusOK, `{"data":[{"id":"m1"},{"id":"m2"}],"total":2}`)

	recs, err := client.GetMany(context.Background(), "merchants", GetManyParams{IDs: []string{"m1", "m2"}})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, []string{"m1", "m2"}, captured.query["id"])
	assert.Equal(t, []string{"2"}, captured.query["per_page"])
}

func TestRESTGetManyReferenceAddsTargetFilter(t *testing.T) {
	client, captured := newRESTServer(t, http.StatusOK, `{"data":[],"total":0}`)

	_, err := client.GetManyReference(context.Background(), "terminals", GetManyReferenceParams{Query: listquery.New(), Target: "merchant_id", ID: "m1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"merchant_id":"m1"}`, captured.query["filter"][0])
}

func TestRESTActionPath(t *testing.T) {
	client, captured := newRESTServer(t, http.StatusOK, `{"id":"tx 1","status":"reversed"}`)

	rec, err := client.Action(context.Background(), "transactions", ActionParams{ID: "tx 1", Action: "reverse", Data: Record{"reason": "duplicate"}})
	require.NoError(t, err)
	assert.Equal(t, "reversed", rec["status"])
	assert.Equal(t, http.MethodPost, captured.method)
	assert.Equal(t, "/api/v1/transactions/tx 1/reverse", captured.path)
	assert.Equal(t, "duplicate", captured.body["reason"])
}

func TestRESTUpdateAndDeleteMany(t *testing.T) {
	client, captured := newRESTServer(t, http.StatusOK, `{"data":["a","b"]}`)

	ids, err := client.UpdateMany(context.Background(), "terminals", UpdateManyParams{IDs: []string{"a", "b"}, Data: Record{"status": "blocked"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, http.MethodPut, captured.method)
	assert.Equal(t, "blocked", captured.body["status"])

	ids, err = client.DeleteMany(context.Background(), "terminals", DeleteManyParams{IDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, http.MethodDelete, captured.method)
	assert.Equal(t, []string{"a", "b"}, captured.query["id"])
}

func TestRESTUnauthorizedBecomesHTTPError(t *testing.T) {
	client, _ := newRESTServer(t, http.StatusUnauthorized, `{"error":"token expired"}`)

	_, err := client.GetOne(context.Background(), "accounts", GetOneParams{ID: "acc-1"})
	require.Error(t, err)
	assert.True(t, httperr.IsUnauthorized(err))
	assert.Contains(t, err.Error(), "token expired")
}

func TestRESTTokenErrorShortCircuits(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	client, err := NewREST(srv.URL, staticToken{err: auth.ErrNotAuthenticated}, nil, logging.Discard())
	require.NoError(t, err)

	_, err = client.GetList(context.Background(), "accounts", GetListParams{Query: listquery.New()})
	assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
	assert.False(t, called)
}

func TestRESTRejectsBadInput(t *testing.T) {
	client, _ := newRESTServer(t, http.StatusOK, `{}`)

	_, err := client.GetOne(context.Background(), "accounts", GetOneParams{})
	assert.Error(t, err)
	_, err = client.GetList(context.Background(), "../admin", GetListParams{})
	assert.Error(t, err)

	_, err = NewREST("not a url", staticToken{}, nil, nil)
	assert.Error(t, err)
}

func TestRecordID(t *testing.T) {
	assert.Equal(t, "abc", Record{"id": "abc"}.ID())
	assert.Equal(t, "42", Record{"id": float64(42)}.ID())
	assert.Equal(t, "", Record{}.ID())
}
