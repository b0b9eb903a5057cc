// Package resources describes the payment resources the console can browse:
// their list columns, reference columns, filters and custom actions.
package resources

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Reference says that Field holds the id of a record in Resource, shown by Label.
type Reference struct {
	Field    string
	Resource string
	Label    string
}

// Column is one list column. Path is a gjson path into the record.
type Column struct {
	Title string
	Path  string
	Width int
}

// Action is a custom operation posted to /:resource/:id/:action.
type Action struct {
	Name        string
	Description string
	// Confirm is the question asked before running the action interactively.
	Confirm string
}

// Definition is everything the console knows about one resource.
type Definition struct {
	Name       string
	Title      string
	Columns    []Column
	References []Reference
	Filters    []string
	Actions    []Action
}

// Reference returns the reference stored in field, if any.
func (d Definition) Reference(field string) (Reference, bool) {
	for _, ref := range d.References {
		if ref.Field == field {
			return ref, true
		}
	}
	return Reference{}, false
}

// Action looks up a custom action by name.
func (d Definition) Action(name string) (Action, bool) {
	for _, a := range d.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

func col(title, path string, width int) Column {
	return Column{Title: title, Path: path, Width: width}
}

var definitions = []Definition{
	{
		Name:  "accounts",
		Title: "Accounts",
		Columns: []Column{
			col("ID", "id", 14), col("Name", "name", 22), col("Currency", "currency", 8),
			col("Balance", "balance", 12), col("Status", "status", 10), col("Merchant", "merchant_id", 20),
		},
		References: []Reference{{Field: "merchant_id", Resource: "merchants", Label: "name"}},
		Filters:    []string{"q", "status", "currency", "merchant_id"},
	},
	{
		Name:  "transactions",
		Title: "Transactions",
		Columns: []Column{
			col("ID", "id", 14), col("Amount", "amount", 10), col("Currency", "currency", 8),
			col("Status", "status", 10), col("Merchant", "merchant_id", 18), col("Terminal", "terminal_id", 12),
			col("Created", "created_at", 20),
		},
		References: []Reference{
			{Field: "merchant_id", Resource: "merchants", Label: "name"},
			{Field: "terminal_id", Resource: "terminals", Label: "serial"},
		},
		Filters: []string{"q", "status", "currency", "merchant_id", "terminal_id"},
		Actions: []Action{{
			Name:        "reverse",
			Description: "Reverse a transaction",
			Confirm:     "Reverse transaction %s?",
		}},
	},
	{
		Name:  "merchants",
		Title: "Merchants",
		Columns: []Column{
			col("ID", "id", 14), col("Name", "name", 24), col("Country", "country", 8), col("Status", "status", 10),
		},
		Filters: []string{"q", "country", "status"},
	},
	{
		Name:  "providers",
		Title: "Providers",
		Columns: []Column{
			col("ID", "id", 14), col("Name", "name", 24), col("Kind", "kind", 12), col("Status", "status", 10),
		},
		Filters: []string{"q", "kind", "status"},
	},
	{
		Name:  "terminals",
		Title: "Terminals",
		Columns: []Column{
			col("ID", "id", 14), col("Serial", "serial", 14), col("Model", "model", 14),
			col("Status", "status", 10), col("Merchant", "merchant_id", 20),
		},
		References: []Reference{{Field: "merchant_id", Resource: "merchants", Label: "name"}},
		Filters:    []string{"q", "status", "model", "merchant_id"},
	},
	{
		Name:  "payment-instruments",
		Title: "Payment instruments",
		Columns: []Column{
			col("ID", "id", 14), col("Kind", "kind", 10), col("PAN", "masked_pan", 20),
			col("Status", "status", 10), col("Account", "account_id", 20),
		},
		References: []Reference{{Field: "account_id", Resource: "accounts", Label: "name"}},
		Filters:    []string{"q", "kind", "status", "account_id"},
	},
	{
		Name:  "financial-institutions",
		Title: "Financial institutions",
		Columns: []Column{
			col("ID", "id", 14), col("Name", "name", 26), col("BIC", "bic", 12), col("Country", "country", 8),
		},
		Filters: []string{"q", "country", "bic"},
	},
	{
		Name:  "callback-history",
		Title: "Callback history",
		Columns: []Column{
			col("ID", "id", 14), col("URL", "url", 30), col("Status", "status_code", 7),
			col("Attempts", "attempts", 8), col("Transaction", "transaction_id", 14), col("Created", "created_at", 20),
		},
		References: []Reference{{Field: "transaction_id", Resource: "transactions", Label: "id"}},
		Filters:    []string{"q", "status_code", "transaction_id"},
		Actions: []Action{{
			Name:        "resend",
			Description: "Resend a merchant callback",
			Confirm:     "Resend callback %s?",
		}},
	},
}

var byName = func() map[string]Definition {
	m := make(map[string]Definition, len(definitions))
	for _, d := range definitions {
		m[d.Name] = d
	}
	return m
}()

// All returns the definitions in display order.
func All() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Names returns the resource names in display order.
func Names() []string {
	names := make([]string, len(definitions))
	for i, d := range definitions {
		names[i] = d.Name
	}
	return names
}

// Lookup returns the definition of name.
func Lookup(name string) (Definition, bool) {
	d, ok := byName[name]
	return d, ok
}

// MustLookup is Lookup for names known at compile time.
func MustLookup(name string) Definition {
	d, ok := byName[name]
	if !ok {
		panic(fmt.Sprintf("resources: unknown resource %q", name))
	}
	return d
}

// Value renders the value at path in record as display text. Missing values
// render as the empty string.
func Value(record map[string]any, path string) string {
	raw, err := json.Marshal(record)
	if err != nil {
		return ""
	}
	return ValueJSON(raw, path)
}

// ValueJSON is Value for an already encoded record.
func ValueJSON(raw []byte, path string) string {
	res := gjson.GetBytes(raw, path)
	switch {
	case !res.Exists(), res.Type == gjson.Null:
		return ""
	case res.IsObject(), res.IsArray():
		return res.Raw
	default:
		return res.String()
	}
}

// Row renders the list columns of d for record. Reference columns are passed
// through labels, keyed by the column path, when a label is known.
func (d Definition) Row(record map[string]any, labels func(ref Reference, id string) string) []string {
	raw, err := json.Marshal(record)
	if err != nil {
		raw = []byte("{}")
	}
	row := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		v := ValueJSON(raw, c.Path)
		if ref, ok := d.Reference(c.Path); ok && labels != nil && v != "" {
			v = labels(ref, v)
		}
		row[i] = v
	}
	return row
}

// Fields returns the top-level keys of record sorted, with id first.
func Fields(record map[string]any) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		if k != "id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := record["id"]; ok {
		keys = append([]string{"id"}, keys...)
	}
	return keys
}

// ParseData decodes a JSON object given on the command line.
func ParseData(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("data required")
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("data is not valid JSON")
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("data must be a JSON object")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return out, nil
}
