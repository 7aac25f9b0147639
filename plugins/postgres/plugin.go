package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/superglue-ai/superglue-sub013/runtime"
)

// Config controls pooling and query retry behavior for the postgres backend.
type Config struct {
	MaxOpenConns    int           `yaml:"max_open_conns" default:"10" validate:"gte=1,lte=100"`
	MaxIdleConns    int           `yaml:"max_idle_conns" default:"5" validate:"gte=0,lte=100"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" default:"30m" validate:"gte=1m"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"10s" validate:"gte=1s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" default:"5m" validate:"gte=1s"`
	SweepInterval   time.Duration `yaml:"sweep_interval" default:"60s" validate:"gte=1s"`
	QueryRetries    int           `yaml:"query_retries" default:"2" validate:"gte=0,lte=10"`
	QueryRetryDelay time.Duration `yaml:"query_retry_delay" default:"1s" validate:"gte=0"`
}

// queryInput is the shape a step's resolved body must carry for SQL
// execution.
type queryInput struct {
	Query  string `json:"query"`
	Params []any  `json:"params"`
}

// PostgresPlugin executes SQL requests. The request URL is the connection
// string, the body carries the query and positional parameters. Pools are
// shared through a PoolCache and evicted when a query exhausts its retries.
type PostgresPlugin struct {
	Config Config
	cache  *PoolCache
	l      *slog.Logger
}

func New(cfg Config, l *slog.Logger) (*PostgresPlugin, error) {
	if err := runtime.PrepareConfig(&cfg); err != nil {
		return nil, err
	}
	return &PostgresPlugin{
		Config: cfg,
		cache:  NewPoolCache(cfg, l),
		l:      l,
	}, nil
}

// Initialize starts the idle-connection sweep.
func (p *PostgresPlugin) Initialize(ctx context.Context) error {
	p.cache.Start()
	return nil
}

// Shutdown closes every pooled connection.
func (p *PostgresPlugin) Shutdown(ctx context.Context) error {
	p.cache.CloseAll()
	return nil
}

func (p *PostgresPlugin) Execute(ctx context.Context, req *runtime.ResolvedRequest) (*runtime.BackendResponse, error) {
	input, err := parseQueryInput(req.Body)
	if err != nil {
		return nil, err
	}

	pool, err := p.cache.GetOrCreate(req.URL)
	if err != nil {
		return nil, &runtime.StepError{
			Type:    runtime.ErrorTypeTransient,
			Code:    runtime.ErrorCodeConnection,
			Message: fmt.Sprintf("database connection failed: %v", err),
			Cause:   err,
		}
	}

	var lastErr error
	for attempt := 0; attempt <= p.Config.QueryRetries; attempt++ {
		if attempt > 0 {
			p.l.InfoContext(ctx, "retrying query", "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(p.Config.QueryRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, qerr := p.runQuery(ctx, pool, input)
		if qerr == nil {
			return resp, nil
		}
		lastErr = qerr

		if ctx.Err() != nil {
			break
		}
	}

	// The pool may be holding broken connections; drop it so the next call
	// dials fresh.
	p.cache.Evict(req.URL)

	return nil, &runtime.StepError{
		Type:    runtime.ErrorTypeTransient,
		Code:    runtime.ErrorCodeExecutionFailed,
		Message: fmt.Sprintf("query failed after %d attempt(s): %v", p.Config.QueryRetries+1, lastErr),
		Cause:   lastErr,
	}
}

func (p *PostgresPlugin) runQuery(ctx context.Context, pool Pool, input queryInput) (*runtime.BackendResponse, error) {
	if returnsRows(input.Query) {
		rows, err := pool.QueryContext(ctx, input.Query, input.Params...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		results, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		return &runtime.BackendResponse{Data: results, Status: 200}, nil
	}

	result, err := pool.ExecContext(ctx, input.Query, input.Params...)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		affected = 0
	}
	return &runtime.BackendResponse{
		Data:   map[string]any{"affectedRows": affected},
		Status: 200,
	}, nil
}

// parseQueryInput decodes the resolved request body. A missing or malformed
// body is a caller bug, not a transient condition, so it never burns retries.
func parseQueryInput(body string) (queryInput, error) {
	badInput := func(msg string) (queryInput, error) {
		return queryInput{}, &runtime.StepError{
			Type:    runtime.ErrorTypePermanent,
			Code:    runtime.ErrorCodeBadInput,
			Message: msg,
			Status:  400,
		}
	}

	if strings.TrimSpace(body) == "" {
		return badInput("sql request body is empty; expected {\"query\": ..., \"params\": [...]}")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return badInput(fmt.Sprintf("invalid sql request body: %v", err))
	}

	var input queryInput
	if err := runtime.MapToStruct(raw, &input); err != nil {
		return badInput(fmt.Sprintf("invalid sql request body: %v", err))
	}
	if strings.TrimSpace(input.Query) == "" {
		return badInput("sql request body is missing the query field")
	}
	return input, nil
}

// returnsRows decides between QueryContext and ExecContext from the query
// text. RETURNING turns a write into a row-producing statement.
func returnsRows(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, prefix := range []string{"select", "with", "show", "explain", "table "} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return strings.Contains(q, " returning ") || strings.HasSuffix(q, " returning *")
}

// scanRows converts a result set into maps keyed by column name. Byte slices
// from JSONB, UUID, NUMERIC and friends come back as strings so the values
// survive JSON re-encoding.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("error reading columns: %w", err)
	}

	results := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}
