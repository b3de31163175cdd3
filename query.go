package boardview

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var knownColumns = map[string]bool{
	"id": true, "version": true, "created_at": true, "updated_at": true,
}

func resolveField(field string) (string, error) {
	if field == "" {
		return "", fmt.Errorf("query: empty field name")
	}
	if knownColumns[field] {
		return field, nil
	}
	for _, c := range field {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return "", fmt.Errorf("query: invalid field name %q", field)
		}
	}
	return fmt.Sprintf("data->>'%s'", field), nil
}

var allowedOps = map[string]bool{
	"=": true, "!=": true,
	">": true, "<": true,
	">=": true, "<=": true,
}

type condition struct {
	field    string
	op       string
	value    any
	contains bool
}

// Query builds read-only finder queries over a collection: equality on JSONB
// fields, case-insensitive substring search, ordering and limits. Reads never
// mutate and reflect whatever the dispatcher has committed at query time.
type Query[T any] struct {
	col        *CollectionOf[T]
	conditions []condition
	orderBy    string
	limit      *uint64
}

func (c *CollectionOf[T]) Query() *Query[T] {
	return &Query[T]{col: c, orderBy: "id ASC"}
}

// Where adds a comparison condition on a column or JSONB field.
func (q *Query[T]) Where(field, op string, value any) *Query[T] {
	q.conditions = append(q.conditions, condition{field: field, op: op, value: value})
	return q
}

// Contains adds a case-insensitive substring condition on a JSONB field.
func (q *Query[T]) Contains(field, fragment string) *Query[T] {
	q.conditions = append(q.conditions, condition{field: field, value: fragment, contains: true})
	return q
}

// OrderBy sorts results by a column or JSONB field, ascending.
func (q *Query[T]) OrderBy(field string) *Query[T] {
	q.orderBy = field
	return q
}

// Limit caps the number of returned documents.
func (q *Query[T]) Limit(n uint64) *Query[T] {
	q.limit = &n
	return q
}

func (q *Query[T]) toSQL() (string, []any, error) {
	builder := psql.Select("data").From(q.col.table)

	for _, c := range q.conditions {
		field, err := resolveField(c.field)
		if err != nil {
			return "", nil, err
		}
		if c.contains {
			fragment, _ := c.value.(string)
			escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(fragment)
			builder = builder.Where(sq.Expr(field+" ILIKE ?", "%"+escaped+"%"))
			continue
		}
		if !allowedOps[c.op] {
			return "", nil, fmt.Errorf("query: unsupported operator %q", c.op)
		}
		builder = builder.Where(sq.Expr(fmt.Sprintf("%s %s ?", field, c.op), c.value))
	}

	if q.orderBy != "" {
		field := q.orderBy
		dir := ""
		if f, ok := strings.CutSuffix(field, " ASC"); ok {
			field, dir = f, " ASC"
		}
		resolved, err := resolveField(field)
		if err != nil {
			return "", nil, err
		}
		builder = builder.OrderBy(resolved + dir)
	}
	if q.limit != nil {
		builder = builder.Limit(*q.limit)
	}

	return builder.ToSql()
}

// Execute runs the query and returns all matching documents.
func (q *Query[T]) Execute(ctx context.Context) ([]*T, error) {
	if err := q.col.ensure(ctx); err != nil {
		return nil, err
	}

	sql, args, err := q.toSQL()
	if err != nil {
		return nil, err
	}

	rows, err := q.col.exec.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.col.name, err)
	}
	defer rows.Close()

	var results []*T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("query %s: scan: %w", q.col.name, err)
		}
		var doc T
		if err := q.col.codec.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("query %s: unmarshal: %w", q.col.name, err)
		}
		results = append(results, &doc)
	}
	return results, rows.Err()
}

// One runs the query and returns the first match, or ErrNotFound.
func (q *Query[T]) One(ctx context.Context) (*T, error) {
	results, err := q.Limit(1).Execute(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("query %s: %w", q.col.name, ErrNotFound)
	}
	return results[0], nil
}
