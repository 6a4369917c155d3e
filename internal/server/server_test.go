package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snowflk/erpmirror/internal/erp"
	"github.com/snowflk/erpmirror/internal/reader"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/snowflk/erpmirror/internal/replication/memstore"
	"github.com/snowflk/erpmirror/internal/replication/state"
	"github.com/snowflk/erpmirror/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	records []state.CycleRecord
}

func (h *fakeHistory) Recent(n int) ([]state.CycleRecord, error) {
	if n > len(h.records) {
		n = len(h.records)
	}
	return h.records[:n], nil
}

func (h *fakeHistory) LastSuccess() (state.CycleRecord, error) {
	for _, r := range h.records {
		if r.Outcome == state.OutcomePublished {
			return r, nil
		}
	}
	return state.CycleRecord{}, state.ErrNoSuccess
}

type fakeStats struct{}

func (fakeStats) Stats() scheduler.Stats { return scheduler.Stats{Runs: 3, Skipped: 1} }

func columns(names ...string) []replication.Column {
	cols := make([]replication.Column, len(names))
	for i, n := range names {
		cols[i] = replication.Column{Name: n}
	}
	return cols
}

func seed(t *testing.T, store replication.Store) {
	ext := replication.NewExtraction(time.Now())
	ext.Token = `"v1"`
	ext.Add(&replication.Table{
		Name:    "PCCLIENT",
		Columns: columns("CODCLI", "CGCENT", "CLIENTE", "CODUSUR1", "CODUSUR2", "BLOQUEIO", "LIMCRED"),
		Rows: [][]interface{}{
			{int64(10), "12.345.678/0001-90", "MERCADO CENTRAL", int64(1), nil, "N", 5000.0},
		},
	})
	ext.Add(&replication.Table{Name: "PCUSUARI", Columns: columns("CODUSUR", "NOME"), Rows: [][]interface{}{{int64(1), "ANA"}}})
	ext.Add(&replication.Table{Name: "PCFORNEC", Columns: columns("CODFORNEC", "FORNECEDOR"), Rows: [][]interface{}{{int64(500), "AMBEV"}}})
	ext.Add(&replication.Table{Name: "PCPRODUT", Columns: columns("CODPROD", "DESCRICAO", "CODFORNEC"), Rows: [][]interface{}{{int64(1001), "CERVEJA", int64(500)}}})
	ext.Add(&replication.Table{
		Name:    "PCMOV",
		Columns: columns("DTMOV", "CODOPER", "CODCLI", "CODUSUR", "CODPROD", "PUNIT", "QT", "CODFORNEC", "NUMNOTA", "DTCANCEL"),
		Rows: [][]interface{}{
			{"2025-06-02 10:00:00", "S", int64(10), int64(1), int64(1001), 2.5, int64(4), int64(500), int64(7001), nil},
		},
	})
	_, err := store.Publish(context.Background(), ext)
	require.NoError(t, err)
}

func newTestServer(t *testing.T, published bool) *httptest.Server {
	store := memstore.New(memstore.Options{})
	t.Cleanup(func() { _ = store.Close() })
	if published {
		seed(t, store)
	}
	history := &fakeHistory{records: []state.CycleRecord{
		{Seq: 2, Outcome: state.OutcomeSkipped, Token: `"v1"`},
		{Seq: 1, Outcome: state.OutcomePublished, Token: `"v1"`, SnapshotID: "abc"},
	}}
	s := New(reader.New(store, nil), Options{
		History: history,
		Stats:   fakeStats{},
		Now:     func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) },
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestServer_BeforeFirstSnapshot(t *testing.T) {
	srv := newTestServer(t, false)

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "waiting for first snapshot", health["status"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/snapshot", nil))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/tables/PCCLIENT", nil))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/customers/12345678000190", nil))
}

func TestServer_SnapshotAndTables(t *testing.T) {
	srv := newTestServer(t, true)

	var meta replication.Meta
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/snapshot", &meta))
	assert.Equal(t, `"v1"`, meta.Token)
	assert.Len(t, meta.Tables, 5)

	var tables struct {
		Tables []replication.TableInfo `json:"tables"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/tables?match=PCC*", &tables))
	require.Len(t, tables.Tables, 1)
	assert.Equal(t, "PCCLIENT", tables.Tables[0].Name)

	var res reader.Result
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/tables/PCCLIENT?limit=5", &res))
	assert.Equal(t, meta.ID, res.SnapshotID)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "MERCADO CENTRAL", res.Rows[0]["CLIENTE"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/tables/PCNOPE", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/tables/PCCLIENT?limit=x", nil))
}

func postQuery(t *testing.T, url string, expr reader.Expression) (*http.Response, map[string]interface{}) {
	body, err := json.Marshal(expr)
	require.NoError(t, err)
	resp, err := http.Post(url+"/query", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestServer_Query(t *testing.T) {
	srv := newTestServer(t, true)

	resp, out := postQuery(t, srv.URL, reader.SQL("SELECT NOME FROM PCUSUARI WHERE CODUSUR = ?", 1))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	rows := out["rows"].([]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, "ANA", rows[0].(map[string]interface{})["NOME"])

	resp, out = postQuery(t, srv.URL, reader.SQL("DELETE FROM PCUSUARI"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "only SELECT")

	resp, _ = postQuery(t, srv.URL, reader.SQL("SELECT * FROM PCNOPE"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(srv.URL+"/query", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Lookups(t *testing.T) {
	srv := newTestServer(t, true)

	var customer map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/customers/12.345.678/0001-90", &customer))
	assert.Equal(t, "MERCADO CENTRAL", customer["name"])

	var credit map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/customers/12345678000190/credit", &credit))
	assert.Equal(t, 5000.0, credit["limit"])
	assert.Equal(t, false, credit["blocked"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/customers/11111111000111", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/customers/123", nil))

	var invoice map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/invoices/7001", &invoice))
	assert.Equal(t, 10.0, invoice["total"])
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/invoices/1", nil))

	var sales struct {
		From   string                   `json:"from"`
		To     string                   `json:"to"`
		Totals []map[string]interface{} `json:"totals"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/sales/sellers", &sales))
	assert.Equal(t, "2025-06-01", sales.From)
	assert.Equal(t, "2025-06-15", sales.To)
	require.Len(t, sales.Totals, 1)
	assert.Equal(t, "ANA", sales.Totals[0]["name"])
	assert.Equal(t, 10.0, sales.Totals[0]["revenue"])

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/sales/suppliers?from=2025-07-01&to=2025-07-31", &sales))
	assert.Empty(t, sales.Totals)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/sales/suppliers?from=07/01/2025", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/sales/suppliers?from=2025-07-31&to=2025-07-01", nil))

	var summary erp.Summary
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/sales/summary?seller=1", &summary))
	assert.Equal(t, "2025-06-01", summary.From)
	assert.Equal(t, []int64{1}, summary.Sellers)
	assert.Equal(t, 10.0, summary.Revenue)
	assert.Equal(t, []erp.Party{{Code: 10, Name: "MERCADO CENTRAL"}}, summary.CustomersServed)
	assert.Empty(t, summary.SuppliersNotServed)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/sales/summary?seller=ana", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/sales/summary?from=2025-07-31&to=2025-07-01", nil))
}

func TestServer_Status(t *testing.T) {
	srv := newTestServer(t, true)

	var status struct {
		Snapshot    map[string]interface{} `json:"snapshot"`
		Scheduler   scheduler.Stats        `json:"scheduler"`
		Cycles      []state.CycleRecord    `json:"cycles"`
		LastSuccess state.CycleRecord      `json:"last_success"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status?n=1", &status))
	assert.Equal(t, `"v1"`, status.Snapshot["token"])
	assert.Equal(t, int64(3), status.Scheduler.Runs)
	require.Len(t, status.Cycles, 1)
	assert.Equal(t, state.OutcomeSkipped, status.Cycles[0].Outcome)
	assert.Equal(t, "abc", status.LastSuccess.SnapshotID)
}

func TestServer_CORS(t *testing.T) {
	srv := newTestServer(t, true)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
