package sqlexec

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"research-copilot/internal/common/config"
	apperrors "research-copilot/internal/common/errors"
	"research-copilot/internal/common/logger"
	"research-copilot/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

func createTestExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.SQLConfig{
		Relation:      "equities",
		PreviewLimit:  2,
		MaxLimit:      50,
		MaxFieldChars: 20,
		Timeout:       2000,
	}
	return NewExecutor(cfg, db, logger.NewZapAdapter(zaptest.NewLogger(t))), mock
}

func approvedQuery(sql string) models.StructuredQuery {
	return models.StructuredQuery{SQL: sql, Approved: true}
}

// ==========================
// Execution Tests
// ==========================

func TestExecutor_Execute_PreviewAndCount(t *testing.T) {
	executor, mock := createTestExecutor(t)

	stmt := "SELECT company_name, price FROM equities LIMIT 50"
	rows := sqlmock.NewRows([]string{"company_name", "price"}).
		AddRow("Apple Inc", 210.5).
		AddRow("SAP SE", 190.0).
		AddRow("Nestle SA", 88.2)

	mock.ExpectBegin()
	mock.ExpectQuery(stmt).WillReturnRows(rows)
	mock.ExpectRollback()

	result, err := executor.Execute(context.Background(), approvedQuery(stmt))
	require.NoError(t, err)

	assert.Equal(t, 3, result.RowCount)
	require.Len(t, result.Preview, 2)
	assert.Equal(t, []string{"company_name", "price"}, result.Preview[0].Columns)
	assert.Equal(t, "Apple Inc", result.Preview[0].Values["company_name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutor_Execute_CapsLongFields(t *testing.T) {
	executor, mock := createTestExecutor(t)

	long := strings.Repeat("a", 100)
	stmt := "SELECT company_description FROM equities LIMIT 50"
	rows := sqlmock.NewRows([]string{"company_description"}).AddRow(long)

	mock.ExpectBegin()
	mock.ExpectQuery(stmt).WillReturnRows(rows)
	mock.ExpectRollback()

	result, err := executor.Execute(context.Background(), approvedQuery(stmt))
	require.NoError(t, err)

	text := result.Preview[0].Values["company_description"].(string)
	assert.True(t, strings.HasPrefix(text, "aaaa"))
	assert.Less(t, len(text), 30)
}

func TestExecutor_Execute_CapNeverSplitsRunes(t *testing.T) {
	executor, mock := createTestExecutor(t)

	// "é" is two bytes; byte 20 lands in the middle of one.
	long := strings.Repeat("a", 19) + "établi en Europe"
	stmt := "SELECT company_description FROM equities LIMIT 50"
	rows := sqlmock.NewRows([]string{"company_description"}).AddRow(long)

	mock.ExpectBegin()
	mock.ExpectQuery(stmt).WillReturnRows(rows)
	mock.ExpectRollback()

	result, err := executor.Execute(context.Background(), approvedQuery(stmt))
	require.NoError(t, err)

	text := result.Preview[0].Values["company_description"].(string)
	assert.True(t, utf8.ValidString(text))
	assert.Equal(t, strings.Repeat("a", 19)+"…", text)
}

func TestExecutor_Execute_EmptyResult(t *testing.T) {
	executor, mock := createTestExecutor(t)

	stmt := "SELECT company_name FROM equities WHERE isin IN ('XX0000000000') LIMIT 50"
	mock.ExpectBegin()
	mock.ExpectQuery(stmt).WillReturnRows(sqlmock.NewRows([]string{"company_name"}))
	mock.ExpectRollback()

	result, err := executor.Execute(context.Background(), approvedQuery(stmt))
	require.NoError(t, err)
	assert.Zero(t, result.RowCount)
	assert.Empty(t, result.Preview)
}

func TestExecutor_Execute_RejectsUnapproved(t *testing.T) {
	executor, _ := createTestExecutor(t)

	_, err := executor.Execute(context.Background(), models.StructuredQuery{SQL: "SELECT 1", Approved: false})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnsafeQuery)
}

func TestExecutor_Execute_DatabaseError(t *testing.T) {
	executor, mock := createTestExecutor(t)

	stmt := "SELECT company_name FROM equities LIMIT 50"
	mock.ExpectBegin()
	mock.ExpectQuery(stmt).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := executor.Execute(context.Background(), approvedQuery(stmt))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeStructuredExecutionError, apperrors.CodeOf(err))
}

func TestExecutor_Execute_Timeout(t *testing.T) {
	executor, mock := createTestExecutor(t)

	stmt := "SELECT company_name FROM equities LIMIT 50"
	mock.ExpectBegin()
	mock.ExpectQuery(stmt).WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := executor.Execute(context.Background(), approvedQuery(stmt))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrQueryTimeout)
}
