package neo4j

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// QueryParams builds the parameter map of a Cypher query. Callers never see
// the map itself, so every value passes through a typed setter.
type QueryParams struct {
	params map[string]any
}

// NewQueryParams creates an empty parameter set
func NewQueryParams() *QueryParams {
	return &QueryParams{
		params: make(map[string]any),
	}
}

// SetString adds a string parameter
func (q *QueryParams) SetString(key, value string) *QueryParams {
	q.params[key] = value
	return q
}

// SetInt64 adds an int64 parameter
func (q *QueryParams) SetInt64(key string, value int64) *QueryParams {
	q.params[key] = value
	return q
}

// SetTime adds a time parameter as Unix milliseconds
func (q *QueryParams) SetTime(key string, value time.Time) *QueryParams {
	q.params[key] = value.UnixMilli()
	return q
}

// SetRows adds a list of maps for use with UNWIND
func (q *QueryParams) SetRows(key string, rows []Row) *QueryParams {
	list := make([]any, len(rows))
	for i, row := range rows {
		list[i] = map[string]any(row)
	}
	q.params[key] = list
	return q
}

// Get returns a parameter value
func (q *QueryParams) Get(key string) (any, bool) {
	v, ok := q.params[key]
	return v, ok
}

func (q *QueryParams) build() map[string]any {
	if q == nil {
		return nil
	}
	return q.params
}

// Row is one element of an UNWIND list
type Row map[string]any

// TransactionWork is a write transaction body
type TransactionWork func(ctx context.Context, tx *TypedTransaction) error

// TypedTransaction wraps neo4j.ManagedTransaction so queries only take QueryParams
type TypedTransaction struct {
	tx neo4j.ManagedTransaction
}

// Run executes a query with typed parameters
func (t *TypedTransaction) Run(ctx context.Context, query string, params *QueryParams) (neo4j.ResultWithContext, error) {
	return t.tx.Run(ctx, query, params.build())
}
