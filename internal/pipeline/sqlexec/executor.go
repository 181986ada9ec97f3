// Package sqlexec runs approved statements against the equities store with
// defense in depth: read-only transaction, statement deadline, row cap and
// per-field size cap.
package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"time"
	"unicode/utf8"

	"research-copilot/internal/common/config"
	apperrors "research-copilot/internal/common/errors"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
)

type Executor struct {
	config config.SQLConfig
	db     *sql.DB
	logger logger.Logger
}

func NewExecutor(cfg config.SQLConfig, db *sql.DB, log logger.Logger) *Executor {
	return &Executor{
		config: cfg,
		db:     db,
		logger: log.WithFields(map[string]interface{}{
			"stage": "sqlexec",
		}),
	}
}

// Execute runs an approved statement and returns the preview rows plus the
// total row count. Unapproved statements never reach the database.
func (e *Executor) Execute(ctx context.Context, query models.StructuredQuery) (*models.StructuredResult, error) {
	if !query.Approved {
		return nil, apperrors.NewUnsafeQueryError("unapproved_statement", "statement was not approved by the safety policy")
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(e.config.Timeout)*time.Millisecond)
	defer cancel()

	tx, err := e.db.BeginTx(execCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, e.wrapExecError(execCtx, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(execCtx, query.SQL)
	if err != nil {
		return nil, e.wrapExecError(execCtx, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, apperrors.NewStructuredExecutionError(err)
	}

	result := &models.StructuredResult{Query: query}
	for rows.Next() {
		result.RowCount++
		if len(result.Preview) >= e.config.PreviewLimit {
			continue
		}

		raw := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperrors.NewStructuredExecutionError(err)
		}

		values := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			values[col] = e.normalizeValue(raw[i])
		}
		result.Preview = append(result.Preview, models.Row{Columns: columns, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, e.wrapExecError(execCtx, err)
	}

	e.logger.Debug("statement executed", map[string]interface{}{
		"rows":    result.RowCount,
		"preview": len(result.Preview),
	})
	return result, nil
}

func (e *Executor) wrapExecError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.NewQueryTimeoutError()
	}
	return apperrors.NewStructuredExecutionError(err)
}

// normalizeValue converts driver values into JSON-friendly types and caps
// oversized text fields.
func (e *Executor) normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return e.capText(string(val))
	case string:
		return e.capText(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return val
	}
}

func (e *Executor) capText(s string) string {
	max := e.config.MaxFieldChars
	if max <= 0 || len(s) <= max {
		return s
	}
	// Never cut through a multi-byte rune.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}
