package replicator

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/snowflk/erpmirror/internal/replication/detect"
	"github.com/snowflk/erpmirror/internal/replication/memstore"
	"github.com/snowflk/erpmirror/internal/replication/source"
	"github.com/snowflk/erpmirror/internal/replication/sqlitestore"
	"github.com/snowflk/erpmirror/internal/replication/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var specs = []replication.TableSpec{
	{Name: "PCCLIENT", Query: "SELECT * FROM crc.PCCLIENT"},
	{Name: "PCMOV", Query: "SELECT * FROM crc.PCMOV"},
	{Name: "PCUSUARI", Query: "SELECT * FROM crc.PCUSUARI"},
}

type fakeSource struct {
	mu      sync.Mutex
	rows    int
	queries int
	failAt  string
	down    bool
	// token is reported with the extraction, like a download ETag.
	token string
}

func (s *fakeSource) Extract(ctx context.Context, specs []replication.TableSpec) (*replication.Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, &replication.ConnectionError{Err: errors.New("ORA-12541: TNS:no listener")}
	}
	ext := replication.NewExtraction(time.Now())
	ext.Token = s.token
	for _, spec := range specs {
		s.queries++
		if spec.Name == s.failAt {
			return nil, &replication.QueryError{Table: spec.Name, Err: errors.New("ORA-00942: table or view does not exist")}
		}
		t := &replication.Table{Name: spec.Name, Columns: []replication.Column{{Name: "ID", DatabaseType: "NUMBER"}}}
		for i := 0; i < s.rows; i++ {
			t.Rows = append(t.Rows, []interface{}{int64(i + 1)})
		}
		ext.Add(t)
	}
	ext.FinishedAt = time.Now()
	return ext, nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

type fakeDetector struct {
	token string
}

func (d *fakeDetector) Probe(ctx context.Context, previous string) (bool, string) {
	return d.token != previous, d.token
}

type memRecorder struct {
	records []state.CycleRecord
}

func (r *memRecorder) Record(rec state.CycleRecord) (uint64, error) {
	rec.Seq = uint64(len(r.records) + 1)
	r.records = append(r.records, rec)
	return rec.Seq, nil
}

func (r *memRecorder) last() state.CycleRecord {
	return r.records[len(r.records)-1]
}

func newReplicator(t *testing.T, src replication.Source, det replication.Detector, store replication.Store, logger log.FieldLogger) (*Replicator, *memRecorder) {
	rec := &memRecorder{}
	r, err := New(Config{Specs: specs, Source: src, Detector: det, Store: store, Recorder: rec, Logger: logger})
	require.NoError(t, err)
	return r, rec
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Source: &fakeSource{}, Store: memstore.New(memstore.Options{})})
	assert.Equal(t, replication.ErrNoTables, err)

	_, err = New(Config{Specs: specs, Store: memstore.New(memstore.Options{})})
	assert.Error(t, err)

	_, err = New(Config{Specs: specs, Source: &fakeSource{}})
	assert.Error(t, err)
}

func TestRunCycle_UnchangedTokenSkipsExtraction(t *testing.T) {
	src := &fakeSource{rows: 3}
	det := &fakeDetector{token: "v1"}
	store := memstore.New(memstore.Options{})
	defer store.Close()
	r, rec := newReplicator(t, src, det, store, nil)

	require.NoError(t, r.RunCycle(context.Background()))
	first := store.Current()
	require.NotNil(t, first)
	queries := src.queryCount()

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Equal(t, queries, src.queryCount(), "unchanged token must not run any extraction query")
	assert.Equal(t, first, store.Current())
	assert.Equal(t, state.OutcomeSkipped, rec.last().Outcome)
	assert.Equal(t, first.ID, rec.last().SnapshotID)
}

func TestRunCycle_StoresDetectorToken(t *testing.T) {
	src := &fakeSource{rows: 2, token: `"etag-of-download"`}
	det := &fakeDetector{token: "sha-of-file"}
	store := memstore.New(memstore.Options{})
	defer store.Close()
	r, rec := newReplicator(t, src, det, store, nil)

	require.NoError(t, r.RunCycle(context.Background()))
	require.NotNil(t, store.Current())
	assert.Equal(t, "sha-of-file", store.Current().Token)
	queries := src.queryCount()

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Equal(t, queries, src.queryCount(), "detector token must match the stored one")
	assert.Equal(t, state.OutcomeSkipped, rec.last().Outcome)
}

func TestRunCycle_SourceTokenWithoutDetector(t *testing.T) {
	src := &fakeSource{rows: 2, token: `"etag-of-download"`}
	store := memstore.New(memstore.Options{})
	defer store.Close()
	r, _ := newReplicator(t, src, nil, store, nil)

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Equal(t, `"etag-of-download"`, store.Current().Token)
}

func TestRunCycle_ChangedTokenExtractsEveryTable(t *testing.T) {
	src := &fakeSource{rows: 3}
	det := &fakeDetector{token: "v1"}
	store := memstore.New(memstore.Options{})
	defer store.Close()
	r, rec := newReplicator(t, src, det, store, nil)

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Equal(t, len(specs), src.queryCount())

	det.token = "v2"
	src.rows = 5
	require.NoError(t, r.RunCycle(context.Background()))
	assert.Equal(t, 2*len(specs), src.queryCount(), "every table is extracted again")

	cur := store.Current()
	assert.Equal(t, "v2", cur.Token)
	for _, info := range cur.Tables {
		assert.Equal(t, 5, info.Rows, info.Name)
	}
	assert.Equal(t, state.OutcomePublished, rec.last().Outcome)
	assert.Equal(t, map[string]int{"PCCLIENT": 5, "PCMOV": 5, "PCUSUARI": 5}, rec.last().Rows)
}

func TestRunCycle_AlwaysDetectorExtractsEveryCycle(t *testing.T) {
	src := &fakeSource{rows: 1}
	store := memstore.New(memstore.Options{})
	defer store.Close()
	r, _ := newReplicator(t, src, detect.Always{}, store, nil)

	require.NoError(t, r.RunCycle(context.Background()))
	require.NoError(t, r.RunCycle(context.Background()))
	assert.Equal(t, 2*len(specs), src.queryCount())
	assert.Equal(t, uint64(2), store.Current().Seq)
}

func TestRunCycle_FailuresKeepPublishedSnapshot(t *testing.T) {
	src := &fakeSource{rows: 3}
	det := &fakeDetector{token: "v1"}
	store := memstore.New(memstore.Options{})
	defer store.Close()
	logger, hook := test.NewNullLogger()
	r, rec := newReplicator(t, src, det, store, logger)

	require.NoError(t, r.RunCycle(context.Background()))
	published := store.Current()

	det.token = "v2"
	src.down = true
	err := r.RunCycle(context.Background())
	assert.True(t, replication.IsConnectionError(err))
	assert.Equal(t, published, store.Current())
	assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, state.OutcomeFailed, rec.last().Outcome)
	assert.Contains(t, rec.last().Error, "TNS")

	src.down = false
	src.failAt = "PCMOV"
	err = r.RunCycle(context.Background())
	assert.True(t, replication.IsQueryError(err))
	assert.Equal(t, published, store.Current())
	assert.Equal(t, "PCMOV", hook.LastEntry().Data["table"])

	src.failAt = ""
	src.rows = 0
	// zero row tables are still a valid snapshot
	require.NoError(t, r.RunCycle(context.Background()))
	assert.Equal(t, "v2", store.Current().Token)
	assert.Equal(t, published.Seq+1, store.Current().Seq)
}

type brokenSource struct{ fakeSource }

func (s *brokenSource) Extract(ctx context.Context, specs []replication.TableSpec) (*replication.Extraction, error) {
	ext, err := s.fakeSource.Extract(ctx, specs)
	if err == nil {
		ext.Tables["PCMOV"].Columns = nil
	}
	return ext, err
}

func TestRunCycle_PublishErrorLoggedAsError(t *testing.T) {
	store := memstore.New(memstore.Options{})
	defer store.Close()
	logger, hook := test.NewNullLogger()
	r, rec := newReplicator(t, &brokenSource{fakeSource{rows: 2}}, &fakeDetector{token: "v1"}, store, logger)

	err := r.RunCycle(context.Background())
	assert.True(t, replication.IsPublishError(err))
	assert.Nil(t, store.Current())
	assert.Equal(t, log.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, state.OutcomeFailed, rec.last().Outcome)
}

// The upstream is a SQLite file served over HTTP with an ETag, the way the
// dashboards download it.
type upstream struct {
	path string
	etag atomic.Value
	down atomic.Bool
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u.down.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("ETag", u.etag.Load().(string))
	if r.Method == http.MethodHead {
		return
	}
	http.ServeFile(w, r, u.path)
}

func (u *upstream) publish(t *testing.T, etag string, rows int) {
	tmp := u.path + ".new"
	db, err := sql.Open("sqlite3", tmp)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE PCMOV (NUMTRANSVENDA INTEGER, CODPROD INTEGER, QT NUMERIC, PUNIT NUMERIC)`)
	require.NoError(t, err)
	for i := 1; i <= rows; i++ {
		_, err = db.Exec(`INSERT INTO PCMOV VALUES (?, ?, ?, ?)`, i, 100+i, 2, 9.9)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())
	require.NoError(t, os.Rename(tmp, u.path))
	u.etag.Store(etag)
}

func TestRunCycle_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	up := &upstream{path: filepath.Join(dir, "upstream.db")}
	up.publish(t, `"v1"`, 3)
	srv := httptest.NewServer(up)
	defer srv.Close()

	store, err := sqlitestore.Open(sqlitestore.Options{Dir: filepath.Join(dir, "snapshots"), PublishedName: "banco_local.db"})
	require.NoError(t, err)
	defer store.Close()
	keeper, err := state.Open(filepath.Join(dir, state.DefaultFileName), time.Second)
	require.NoError(t, err)
	defer keeper.Close()

	src := source.NewDownloadSource(source.DownloadOptions{URL: srv.URL, TempDir: dir}, nil)
	r, err := New(Config{
		Specs:    []replication.TableSpec{{Name: "PCMOV", Query: "SELECT * FROM PCMOV"}},
		Source:   src,
		Detector: detect.NewETag(srv.URL, 5*time.Second, nil),
		Store:    store,
		Recorder: keeper,
	})
	require.NoError(t, err)

	countRows := func() int {
		snap, err := store.Acquire()
		require.NoError(t, err)
		defer snap.Release()
		var n int
		require.NoError(t, snap.DB().QueryRow(`SELECT COUNT(*) FROM PCMOV`).Scan(&n))
		return n
	}

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Equal(t, 3, countRows())
	assert.Equal(t, `"v1"`, store.Current().Token)

	up.publish(t, `"v2"`, 5)
	require.NoError(t, r.RunCycle(context.Background()))
	assert.Equal(t, 5, countRows())
	assert.Equal(t, `"v2"`, store.Current().Token)

	up.down.Store(true)
	assert.Error(t, r.RunCycle(context.Background()))
	assert.Equal(t, 5, countRows(), "a failed cycle must leave the last snapshot in place")

	recent, err := keeper.Recent(3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, state.OutcomeFailed, recent[0].Outcome)
	assert.Equal(t, state.OutcomePublished, recent[1].Outcome)
	last, err := keeper.LastSuccess()
	require.NoError(t, err)
	assert.Equal(t, `"v2"`, last.Token)
	assert.Equal(t, store.Current().ID, last.SnapshotID)
}
