// Package dataprovider is the console's access layer to enigma resources.
package dataprovider

import (
	"context"

	"github.com/blowfish/enigma/internal/shared/listquery"
)

// Record is a resource record as returned by the API. Every record has an "id".
type Record map[string]any

// ID returns the record id as a string, or "" when absent.
func (r Record) ID() string {
	switch id := r["id"].(type) {
	case string:
		return id
	case nil:
		return ""
	default:
		return fmtID(id)
	}
}

// GetListParams selects one page of a filtered, sorted list.
type GetListParams struct {
	listquery.Query
}

// GetListResult is a page of records plus the total matching count.
type GetListResult struct {
	Data  []Record `json:"data"`
	Total int      `json:"total"`
}

// GetOneParams names a single record.
type GetOneParams struct {
	ID string
}

// GetManyParams names records by id.
type GetManyParams struct {
	IDs []string
}

// GetManyReferenceParams lists records of a resource whose Target field equals ID.
type GetManyReferenceParams struct {
	listquery.Query
	Target string
	ID     string
}

// CreateParams carries the new record; the server assigns an id when absent.
type CreateParams struct {
	Data Record
}

// UpdateParams replaces the record with the given id.
type UpdateParams struct {
	ID   string
	Data Record
}

// UpdateManyParams shallow-merges Data into each listed record.
type UpdateManyParams struct {
	IDs  []string
	Data Record
}

// DeleteParams names the record to delete.
type DeleteParams struct {
	ID string
}

// DeleteManyParams names the records to delete.
type DeleteManyParams struct {
	IDs []string
}

// ActionParams invokes a named resource action such as a transaction reversal.
type ActionParams struct {
	ID     string
	Action string
	Data   Record
}

// DataProvider is the full set of operations the console performs on resources.
type DataProvider interface {
	GetList(ctx context.Context, resource string, params GetListParams) (*GetListResult, error)
	GetOne(ctx context.Context, resource string, params GetOneParams) (Record, error)
	GetMany(ctx context.Context, resource string, params GetManyParams) ([]Record, error)
	GetManyReference(ctx context.Context, resource string, params GetManyReferenceParams) (*GetListResult, error)
	Create(ctx context.Context, resource string, params CreateParams) (Record, error)
	Update(ctx context.Context, resource string, params UpdateParams) (Record, error)
	UpdateMany(ctx context.Context, resource string, params UpdateManyParams) ([]string, error)
	Delete(ctx context.Context, resource string, params DeleteParams) (Record, error)
	DeleteMany(ctx context.Context, resource string, params DeleteManyParams) ([]string, error)
	Action(ctx context.Context, resource string, params ActionParams) (Record, error)
}
