package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/blowfish/enigma/internal/server/db"
	"github.com/blowfish/enigma/internal/shared/listquery"
)

// storedTimeLayout is fixed width so timestamps sort lexically.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	exec executor
}

var _ db.Queries = (*queries)(nil)

func (q *queries) Records() db.RecordRepository {
	return &recordRepository{exec: q.exec}
}

func (q *queries) Users() db.UserRepository {
	return &userRepository{exec: q.exec}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type recordRepository struct {
	exec executor
}

var _ db.RecordRepository = (*recordRepository)(nil)

func (r *recordRepository) Create(ctx context.Context, rec *db.Record) error {
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	now := time.Now().UTC()
	_, err = r.exec.ExecContext(ctx,
		`INSERT INTO records (resource, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?);`,
		rec.Resource, rec.ID, string(payload), now.Format(storedTimeLayout), now.Format(storedTimeLayout),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("insert %s/%s: %w", rec.Resource, rec.ID, db.ErrConflict)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

func (r *recordRepository) Get(ctx context.Context, resource, id string) (*db.Record, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT resource, id, data, created_at, updated_at FROM records WHERE resource = ? AND id = ?;`,
		resource, id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", resource, id, db.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepository) List(ctx context.Context, resource string, opts db.ListOptions) ([]db.Record, int, error) {
	q := opts.Query.Normalize()

	where, args, err := buildWhere(resource, q.Filter, opts.IDs)
	if err != nil {
		return nil, 0, err
	}
	orderBy, err := buildOrder(q.Sort)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.exec.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE `+where+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	stmt := `SELECT resource, id, data, created_at, updated_at FROM records WHERE ` + where +
		` ORDER BY ` + orderBy + ` LIMIT ? OFFSET ?;`
	rows, err := r.exec.QueryContext(ctx, stmt, append(args, q.PerPage, q.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []db.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate records: %w", err)
	}
	return out, total, nil
}

func (r *recordRepository) Replace(ctx context.Context, rec *db.Record) error {
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	now := time.Now().UTC()
	res, err := r.exec.ExecContext(ctx,
		`UPDATE records SET data = ?, updated_at = ? WHERE resource = ? AND id = ?;`,
		string(payload), now.Format(storedTimeLayout), rec.Resource, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if err := expectOneRow(res, rec.Resource, rec.ID); err != nil {
		return err
	}
	rec.UpdatedAt = now
	return nil
}

func (r *recordRepository) Delete(ctx context.Context, resource, id string) error {
	res, err := r.exec.ExecContext(ctx, `DELETE FROM records WHERE resource = ? AND id = ?;`, resource, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return expectOneRow(res, resource, id)
}

func expectOneRow(res sql.Result, resource, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s/%s: %w", resource, id, db.ErrNotFound)
	}
	return nil
}

// buildWhere turns a list filter into a WHERE clause over the JSON document.
// Scalars match by equality, lists by membership and "q" by substring.
func buildWhere(resource string, filter map[string]any, ids []string) (string, []any, error) {
	clauses := []string{"resource = ?"}
	args := []any{resource}

	if len(ids) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(ids))+")")
		for _, id := range ids {
			args = append(args, id)
		}
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := filter[key]
		if key == listquery.FullTextKey {
			text := strings.TrimSpace(fmt.Sprint(value))
			if text == "" {
				continue
			}
			clauses = append(clauses, "LOWER(data) LIKE ? ESCAPE '\\'")
			args = append(args, "%"+escapeLike(strings.ToLower(text))+"%")
			continue
		}
		column, err := fieldExpr(key)
		if err != nil {
			return "", nil, err
		}
		// Filters typed at a prompt arrive as strings, so string values match
		// the textual form of the stored value.
		if list, ok := value.([]any); ok {
			if len(list) == 0 {
				clauses = append(clauses, "0")
				continue
			}
			clauses = append(clauses, "CAST("+column+" AS TEXT) IN ("+placeholders(len(list))+")")
			for _, v := range list {
				args = append(args, textValue(v))
			}
			continue
		}
		switch v := value.(type) {
		case nil:
			clauses = append(clauses, column+" IS NULL")
		case string:
			clauses = append(clauses, "CAST("+column+" AS TEXT) = ?")
			args = append(args, v)
		default:
			clauses = append(clauses, column+" = ?")
			args = append(args, sqlValue(v))
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func buildOrder(s listquery.Sort) (string, error) {
	column, err := fieldExpr(s.Field)
	if err != nil {
		return "", err
	}
	dir := "ASC"
	if s.Order == listquery.OrderDesc {
		dir = "DESC"
	}
	// id breaks ties so pages stay stable.
	if column == "id" {
		return "id " + dir, nil
	}
	return column + " " + dir + ", id " + dir, nil
}

func fieldExpr(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("%w: %q", db.ErrInvalidField, field)
	}
	switch field {
	case "id":
		return "id", nil
	case "created_at", "updated_at":
		return field, nil
	}
	return "json_extract(data, '$." + field + "')", nil
}

func sqlValue(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
		return 0
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any, []any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return v
	}
}

func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(t)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanRecord(row rowScanner) (db.Record, error) {
	var (
		rec        db.Record
		payload    string
		createdRaw any
		updatedRaw any
	)
	if err := row.Scan(&rec.Resource, &rec.ID, &payload, &createdRaw, &updatedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Record{}, err
		}
		return db.Record{}, fmt.Errorf("scan record: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &rec.Data); err != nil {
		return db.Record{}, fmt.Errorf("decode record %s/%s: %w", rec.Resource, rec.ID, err)
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	var err error
	if rec.CreatedAt, err = coerceTime(createdRaw); err != nil {
		return db.Record{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = coerceTime(updatedRaw); err != nil {
		return db.Record{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}

type userRepository struct {
	exec executor
}

var _ db.UserRepository = (*userRepository)(nil)

func (r *userRepository) Upsert(ctx context.Context, username string, passwordHash []byte) error {
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO users (username, password_hash) VALUES (?, ?)
         ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash;`,
		username, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*db.User, error) {
	var (
		user       db.User
		createdRaw any
	)
	err := r.exec.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?;`, username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, db.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user.CreatedAt, err = coerceTime(createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &user, nil
}

func coerceTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseTimestamp(v)
	case []byte:
		return parseTimestamp(string(v))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
