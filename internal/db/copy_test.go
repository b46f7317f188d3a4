package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "assets", []string{"id", "ticker"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"assets"}, []string{"id", "ticker"}).WillReturnResult(3)

	rows := [][]any{{"a", "AAB"}, {"b", "AAC"}, {"c", "AAD"}}
	n, err := CopyFrom(context.Background(), mock, "assets", []string{"id", "ticker"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_InsideTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"assets"}, []string{"id"}).WillReturnResult(1)
	mock.ExpectCommit()

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)
	n, err := CopyFrom(context.Background(), tx, "assets", []string{"id"}, [][]any{{"a"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, tx.Commit(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"assets"}, []string{"id"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "assets", []string{"id"}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO assets")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_SchemaQualified(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"oracle", "external_prices"}, []string{"id"}).WillReturnResult(1)

	n, err := CopyFrom(context.Background(), mock, "oracle.external_prices", []string{"id"}, [][]any{{"a"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_RowWidthMismatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = CopyFrom(context.Background(), mock, "assets", []string{"id", "ticker"}, [][]any{{"a", "AAB"}, {"b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 1 has 1 values for 2 columns")
	assert.NoError(t, mock.ExpectationsWereMet())
}
