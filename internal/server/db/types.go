package db

import (
	"context"
	"errors"
	"time"

	"github.com/blowfish/enigma/internal/shared/listquery"
)

// Resource names served by the API.
const (
	ResourceAccounts              = "accounts"
	ResourceTransactions          = "transactions"
	ResourceMerchants             = "merchants"
	ResourceProviders             = "providers"
	ResourceTerminals             = "terminals"
	ResourcePaymentInstruments    = "payment-instruments"
	ResourceFinancialInstitutions = "financial-institutions"
	ResourceCallbackHistory       = "callback-history"
)

var resources = map[string]bool{
	ResourceAccounts:              true,
	ResourceTransactions:          true,
	ResourceMerchants:             true,
	ResourceProviders:             true,
	ResourceTerminals:             true,
	ResourcePaymentInstruments:    true,
	ResourceFinancialInstitutions: true,
	ResourceCallbackHistory:       true,
}

// KnownResource reports whether name is a served resource.
func KnownResource(name string) bool {
	return resources[name]
}

var (
	// ErrNotFound is returned when a record or user does not exist.
	ErrNotFound = errors.New("db: not found")
	// ErrConflict is returned when a record id is already taken.
	ErrConflict = errors.New("db: conflict")
	// ErrInvalidField is returned for filter or sort fields that are not plain identifiers.
	ErrInvalidField = errors.New("db: invalid field name")
)

// Record is one stored resource document.
type Record struct {
	Resource  string
	ID        string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListOptions narrows a listing. IDs, when set, restrict results to those ids.
type ListOptions struct {
	Query listquery.Query
	IDs   []string
}

// User is an operator allowed to sign in.
type User struct {
	ID           int64
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Store describes the persistence surface consumed by the API.
type Store interface {
	Close(ctx context.Context) error
	Queries() Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
}

// Queries exposes repository accessors bound to a specific connection scope
// (either the root connection or a transaction).
type Queries interface {
	Records() RecordRepository
	Users() UserRepository
}

// RecordRepository manages resource documents.
type RecordRepository interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, resource, id string) (*Record, error)
	List(ctx context.Context, resource string, opts ListOptions) ([]Record, int, error)
	Replace(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, resource, id string) error
}

// UserRepository manages operators.
type UserRepository interface {
	Upsert(ctx context.Context, username string, passwordHash []byte) error
	GetByUsername(ctx context.Context, username string) (*User, error)
}
