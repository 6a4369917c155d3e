package source

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedUpstream creates a small ERP database standing in for the upstream.
func seedUpstream(t *testing.T, path string, customers int) {
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE PCCLIENT (CODCLI INTEGER, CLIENTE TEXT, CGCENT TEXT, FOTO BLOB);
		CREATE TABLE PCUSUARI (CODUSUR INTEGER, NOME TEXT);
		INSERT INTO PCUSUARI VALUES (1, 'ANA'), (2, 'BRUNO');
	`)
	require.NoError(t, err)
	for i := 1; i <= customers; i++ {
		_, err = db.Exec(`INSERT INTO PCCLIENT VALUES (?, ?, ?, ?)`,
			i, fmt.Sprintf("CLIENTE %d", i), fmt.Sprintf("12.345.678/0001-%02d", i), []byte{0x1, byte(i)})
		require.NoError(t, err)
	}
}

var testSpecs = []replication.TableSpec{
	{Name: "PCCLIENT", Query: "SELECT CODCLI, CLIENTE, CGCENT, FOTO FROM PCCLIENT", PrimaryKey: []string{"CODCLI"}},
	{Name: "PCUSUARI", Query: "SELECT CODUSUR, NOME FROM PCUSUARI"},
}

func TestSQLSource_Extract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "erp.db")
	seedUpstream(t, path, 3)

	src, err := NewSQLSource(Options{Driver: "sqlite3", Database: path, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	defer src.Close()

	ext, err := src.Extract(context.Background(), testSpecs)
	require.NoError(t, err)
	require.True(t, ext.Covers(testSpecs))
	assert.Equal(t, map[string]int{"PCCLIENT": 3, "PCUSUARI": 2}, ext.RowCounts())
	assert.False(t, ext.FinishedAt.IsZero())

	clients := ext.Tables["PCCLIENT"]
	assert.Equal(t, []string{"CODCLI", "CLIENTE", "CGCENT", "FOTO"}, clients.ColumnNames())
	assert.Equal(t, []string{"CODCLI"}, clients.PrimaryKey)
	assert.Equal(t, "INTEGER", clients.Columns[0].DatabaseType)
	assert.Equal(t, int64(1), clients.Rows[0][0])
	assert.Equal(t, "CLIENTE 1", clients.Rows[0][1])
	assert.Equal(t, []byte{0x1, 0x1}, clients.Rows[0][3])
}

func TestSQLSource_QueryError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "erp.db")
	seedUpstream(t, path, 1)

	src, err := NewSQLSource(Options{Driver: "sqlite3", Database: path}, nil)
	require.NoError(t, err)
	defer src.Close()

	specs := append([]replication.TableSpec{}, testSpecs...)
	specs = append(specs, replication.TableSpec{Name: "PCMOV", Query: "SELECT * FROM PCMOV"})
	ext, err := src.Extract(context.Background(), specs)
	assert.Nil(t, ext, "partial extraction must never be returned")

	var qerr *replication.QueryError
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, "PCMOV", qerr.Table)
	assert.False(t, replication.IsConnectionError(err))
}

func TestSQLSource_Unreachable(t *testing.T) {
	src, err := NewSQLSource(Options{Driver: "sqlite3", Database: filepath.Join(t.TempDir(), "missing", "erp.db")}, nil)
	require.NoError(t, err, "an unreachable upstream is only detected when extracting")
	defer src.Close()

	ext, err := src.Extract(context.Background(), testSpecs)
	assert.Nil(t, ext)
	assert.True(t, replication.IsConnectionError(err))
}

func TestNewSQLSource_UnknownDriver(t *testing.T) {
	_, err := NewSQLSource(Options{Driver: "db2"}, nil)
	assert.Equal(t, ErrDriverUnknown, errors.Cause(err))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "abc", normalize([]byte("abc"), false))
	assert.Equal(t, []byte("abc"), normalize([]byte("abc"), true))
	assert.Equal(t, int64(4), normalize(int64(4), false))
	assert.Nil(t, normalize(nil, false))
	assert.Equal(t, "12.5", normalize(sql.NullString{String: "12.5", Valid: true}, false))
}
