// Package listquery models the paging, sorting and filtering state of a list view
// and its URL representation, shared by the console and the API.
package listquery

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultPerPage = 25
	MaxPerPage     = 500

	OrderAsc  = "ASC"
	OrderDesc = "DESC"

	// FullTextKey is the filter key matched as a substring of the whole record.
	FullTextKey = "q"
)

// Sort names the field and direction a list is ordered by.
type Sort struct {
	Field string `json:"field"`
	Order string `json:"order"`
}

// Query is the list state: which page, in which order, narrowed by which filter.
type Query struct {
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
	Sort    Sort           `json:"sort"`
	Filter  map[string]any `json:"filter,omitempty"`
}

// New returns the first page with default size.
func New() Query {
	return Query{Page: 1, PerPage: DefaultPerPage, Sort: Sort{Field: "id", Order: OrderAsc}}
}

// Normalize clamps paging values and upper-cases the sort order.
func (q Query) Normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = DefaultPerPage
	}
	if q.PerPage > MaxPerPage {
		q.PerPage = MaxPerPage
	}
	q.Sort.Order = strings.ToUpper(strings.TrimSpace(q.Sort.Order))
	if q.Sort.Order != OrderDesc {
		q.Sort.Order = OrderAsc
	}
	return q
}

// Offset returns the zero-based index of the first row on the page.
func (q Query) Offset() int {
	q = q.Normalize()
	return (q.Page - 1) * q.PerPage
}

// WithFilterValues merges committed filter input into the query. Empty values
// remove their key. When the resulting filter differs, paging restarts at 1.
func (q Query) WithFilterValues(values map[string]string) Query {
	next := make(map[string]any, len(q.Filter)+len(values))
	for k, v := range q.Filter {
		next[k] = v
	}
	for k, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	if len(next) == 0 {
		next = nil
	}
	if !sameFilter(q.Filter, next) {
		q.Page = 1
	}
	q.Filter = next
	return q
}

// WithSort orders by field, toggling direction when field is already the sort key.
func (q Query) WithSort(field string) Query {
	if q.Sort.Field == field {
		if q.Sort.Order == OrderDesc {
			q.Sort.Order = OrderAsc
		} else {
			q.Sort.Order = OrderDesc
		}
	} else {
		q.Sort = Sort{Field: field, Order: OrderAsc}
	}
	q.Page = 1
	return q
}

// NextPage advances one page unless the current one already reaches total.
func (q Query) NextPage(total int) Query {
	q = q.Normalize()
	if q.Page*q.PerPage < total {
		q.Page++
	}
	return q
}

// PrevPage goes back one page, stopping at 1.
func (q Query) PrevPage() Query {
	q = q.Normalize()
	if q.Page > 1 {
		q.Page--
	}
	return q
}

// Pages returns how many pages total rows span (at least 1).
func (q Query) Pages(total int) int {
	q = q.Normalize()
	if total <= 0 {
		return 1
	}
	return (total + q.PerPage - 1) / q.PerPage
}

// Values encodes the query as URL parameters.
func (q Query) Values() url.Values {
	q = q.Normalize()
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("per_page", strconv.Itoa(q.PerPage))
	if q.Sort.Field != "" {
		v.Set("sort", q.Sort.Field)
		v.Set("order", q.Sort.Order)
	}
	if len(q.Filter) > 0 {
		// json.Marshal sorts map keys, so equal filters encode identically.
		data, err := json.Marshal(q.Filter)
		if err == nil {
			v.Set("filter", string(data))
		}
	}
	return v
}

// FromValues decodes URL parameters produced by Values. Missing values fall back
// to the defaults of New.
func FromValues(v url.Values) (Query, error) {
	q := New()
	if raw := v.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return Query{}, fmt.Errorf("listquery: invalid page %q", raw)
		}
		q.Page = page
	}
	if raw := v.Get("per_page"); raw != "" {
		perPage, err := strconv.Atoi(raw)
		if err != nil {
			return Query{}, fmt.Errorf("listquery: invalid per_page %q", raw)
		}
		q.PerPage = perPage
	}
	if field := strings.TrimSpace(v.Get("sort")); field != "" {
		q.Sort.Field = field
	}
	if order := v.Get("order"); order != "" {
		q.Sort.Order = order
	}
	if raw := v.Get("filter"); raw != "" {
		var filter map[string]any
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			return Query{}, fmt.Errorf("listquery: invalid filter: %w", err)
		}
		if len(filter) > 0 {
			q.Filter = filter
		}
	}
	return q.Normalize(), nil
}

// ParseFilterArgs turns key=value arguments into filter values. A value containing
// commas becomes a list, matched as "any of".
func ParseFilterArgs(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	filter := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("listquery: filter %q must be key=value", arg)
		}
		if strings.Contains(value, ",") {
			parts := strings.Split(value, ",")
			list := make([]any, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					list = append(list, p)
				}
			}
			filter[key] = list
			continue
		}
		filter[key] = strings.TrimSpace(value)
	}
	return filter, nil
}

// FilterKeys returns the filter keys in sorted order.
func (q Query) FilterKeys() []string {
	keys := make([]string, 0, len(q.Filter))
	for k := range q.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameFilter(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
