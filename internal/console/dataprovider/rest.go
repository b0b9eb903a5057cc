package dataprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blowfish/enigma/internal/console/httperr"
	"github.com/blowfish/enigma/internal/shared/listquery"
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// REST talks to the enigma resource API.
type REST struct {
	baseURL    *url.URL
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
}

var _ DataProvider = (*REST)(nil)

// NewREST creates a provider for the API at rawURL (e.g. http://127.0.0.1:8787).
// A nil httpClient gets a client with a 30s timeout.
func NewREST(rawURL string, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) (*REST, error) {
	if strings.TrimSpace(rawURL) == "" {
		rawURL = "http://127.0.0.1:8787"
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dataprovider: parse url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("dataprovider: url must include scheme and host")
	}
	if tokens == nil {
		return nil, fmt.Errorf("dataprovider: token source required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := *parsed
	base.Path = strings.TrimRight(parsed.Path, "/")
	return &REST{baseURL: &base, httpClient: httpClient, tokens: tokens, logger: logger}, nil
}

type listEnvelope struct {
	Data  []Record `json:"data"`
	Total int      `json:"total"`
}

type idsEnvelope struct {
	Data []string `json:"data"`
}

// GetList calls GET /api/v1/{resource} with the query as URL parameters.
func (c *REST) GetList(ctx context.Context, resource string, params GetListParams) (*GetListResult, error) {
	var env listEnvelope
	if err := c.call(ctx, http.MethodGet, resource, nil, params.Query.Values(), nil, &env); err != nil {
		return nil, fmt.Errorf("dataprovider: get list %s: %w", resource, err)
	}
	return &GetListResult{Data: env.Data, Total: env.Total}, nil
}

// GetOne calls GET /api/v1/{resource}/{id}.
func (c *REST) GetOne(ctx context.Context, resource string, params GetOneParams) (Record, error) {
	if params.ID == "" {
		return nil, fmt.Errorf("dataprovider: get one %s: id required", resource)
	}
	var rec Record
	if err := c.call(ctx, http.MethodGet, resource, []string{params.ID}, nil, nil, &rec); err != nil {
		return nil, fmt.Errorf("dataprovider: get one %s/%s: %w", resource, params.ID, err)
	}
	return rec, nil
}

// GetMany calls GET /api/v1/{resource} with one id parameter per record.
func (c *REST) GetMany(ctx context.Context, resource string, params GetManyParams) ([]Record, error) {
	if len(params.IDs) == 0 {
		return nil, nil
	}
	q := listquery.New()
	q.PerPage = len(params.IDs)
	values := q.Values()
	for _, id := range params.IDs {
		values.Add("id", id)
	}
	var env listEnvelope
	if err := c.call(ctx, http.MethodGet, resource, nil, values, nil, &env); err != nil {
		return nil, fmt.Errorf("dataprovider: get many %s: %w", resource, err)
	}
	return env.Data, nil
}

// GetManyReference lists records whose Target field equals ID.
func (c *REST) GetManyReference(ctx context.Context, resource string, params GetManyReferenceParams) (*GetListResult, error) {
	if params.Target == "" {
		return nil, fmt.Errorf("dataprovider: get many reference %s: target required", resource)
	}
	q := params.Query
	filter := make(map[string]any, len(q.Filter)+1)
	for k, v := range q.Filter {
		filter[k] = v
	}
	filter[params.Target] = params.ID
	q.Filter = filter
	var env listEnvelope
	if err := c.call(ctx, http.MethodGet, resource, nil, q.Values(), nil, &env); err != nil {
		return nil, fmt.Errorf("dataprovider: get many reference %s.%s: %w", resource, params.Target, err)
	}
	return &GetListResult{Data: env.Data, Total: env.Total}, nil
}

// Create calls POST /api/v1/{resource}.
func (c *REST) Create(ctx context.Context, resource string, params CreateParams) (Record, error) {
	var rec Record
	if err := c.call(ctx, http.MethodPost, resource, nil, nil, params.Data, &rec); err != nil {
		return nil, fmt.Errorf("dataprovider: create %s: %w", resource, err)
	}
	return rec, nil
}

// Update calls PUT /api/v1/{resource}/{id}.
func (c *REST) Update(ctx context.Context, resource string, params UpdateParams) (Record, error) {
	if params.ID == "" {
		return nil, fmt.Errorf("dataprovider: update %s: id required", resource)
	}
	var rec Record
	if err := c.call(ctx, http.MethodPut, resource, []string{params.ID}, nil, params.Data, &rec); err != nil {
		return nil, fmt.Errorf("dataprovider: update %s/%s: %w", resource, params.ID, err)
	}
	return rec, nil
}

// UpdateMany calls PUT /api/v1/{resource}?id=.. and returns the updated ids.
func (c *REST) UpdateMany(ctx context.Context, resource string, params UpdateManyParams) ([]string, error) {
	if len(params.IDs) == 0 {
		return nil, nil
	}
	var env idsEnvelope
	if err := c.call(ctx, http.MethodPut, resource, nil, idValues(params.IDs), params.Data, &env); err != nil {
		return nil, fmt.Errorf("dataprovider: update many %s: %w", resource, err)
	}
	return env.Data, nil
}

// Delete calls DELETE /api/v1/{resource}/{id} and returns the removed record.
func (c *REST) Delete(ctx context.Context, resource string, params DeleteParams) (Record, error) {
	if params.ID == "" {
		return nil, fmt.Errorf("dataprovider: delete %s: id required", resource)
	}
	var rec Record
	if err := c.call(ctx, http.MethodDelete, resource, []string{params.ID}, nil, nil, &rec); err != nil {
		return nil, fmt.Errorf("dataprovider: delete %s/%s: %w", resource, params.ID, err)
	}
	return rec, nil
}

// DeleteMany calls DELETE /api/v1/{resource}?id=.. and returns the removed ids.
func (c *REST) DeleteMany(ctx context.Context, resource string, params DeleteManyParams) ([]string, error) {
	if len(params.IDs) == 0 {
		return nil, nil
	}
	var env idsEnvelope
	if err := c.call(ctx, http.MethodDelete, resource, nil, idValues(params.IDs), nil, &env); err != nil {
		return nil, fmt.Errorf("dataprovider: delete many %s: %w", resource, err)
	}
	return env.Data, nil
}

// Action calls POST /api/v1/{resource}/{id}/{action}.
func (c *REST) Action(ctx context.Context, resource string, params ActionParams) (Record, error) {
	if params.ID == "" || params.Action == "" {
		return nil, fmt.Errorf("dataprovider: action on %s: id and action required", resource)
	}
	var rec Record
	if err := c.call(ctx, http.MethodPost, resource, []string{params.ID, params.Action}, nil, params.Data, &rec); err != nil {
		return nil, fmt.Errorf("dataprovider: %s %s/%s: %w", params.Action, resource, params.ID, err)
	}
	return rec, nil
}

func (c *REST) call(ctx context.Context, method, resource string, segments []string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, resource, segments, query, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *REST) newRequest(ctx context.Context, method, resource string, segments []string, query url.Values, body any) (*http.Request, error) {
	if resource == "" || strings.Contains(resource, "/") {
		return nil, fmt.Errorf("invalid resource %q", resource)
	}
	escaped := []string{c.baseURL.Path, "api", "v1", url.PathEscape(resource)}
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	full := *c.baseURL
	full.RawPath = path.Join(append([]string{"/"}, escaped...)...)
	full.Path, _ = url.PathUnescape(full.RawPath)
	if query != nil {
		full.RawQuery = query.Encode()
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, full.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (c *REST) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"latency", time.Since(start).String(),
		"request_id", req.Header.Get("X-Request-ID"),
	)

	if resp.StatusCode >= 300 {
		return httperr.FromResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func idValues(ids []string) url.Values {
	v := url.Values{}
	for _, id := range ids {
		v.Add("id", id)
	}
	return v
}

func fmtID(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case json.Number:
		return n.String()
	default:
		return fmt.Sprint(v)
	}
}
