package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/snowflk/erpmirror/internal/erp"
	"github.com/snowflk/erpmirror/internal/reader"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/snowflk/erpmirror/internal/replication/state"
)

const (
	defaultTableLimit = 100
	maxBodyBytes      = 1 << 20
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if _, err := s.reader.Current(); err != nil {
		status = "waiting for first snapshot"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	meta, err := s.reader.Current()
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	match := r.URL.Query().Get("match")
	if match == "" {
		match = "*"
	}
	tables, err := s.reader.Tables(replication.Pattern(match))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	limit := defaultTableLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	ctx, cancel := s.queryContext(r)
	defer cancel()
	res, err := s.reader.Table(ctx, mux.Vars(r)["name"], limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var expr reader.Expression
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&expr); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := s.queryContext(r)
	defer cancel()
	res, err := s.reader.Query(ctx, expr)
	if err != nil {
		if status := statusOf(err); status != http.StatusInternalServerError {
			s.writeError(w, status, err)
			return
		}
		// anything else is the caller's SQL
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}
	if meta, err := s.reader.Current(); err == nil {
		resp["snapshot"] = map[string]interface{}{"id": meta.ID, "seq": meta.Seq, "token": meta.Token, "created_at": meta.CreatedAt}
	}
	if s.opts.Stats != nil {
		resp["scheduler"] = s.opts.Stats.Stats()
	}
	if s.opts.History != nil {
		n := 20
		if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 {
			n = v
		}
		recent, err := s.opts.History.Recent(n)
		if err != nil {
			s.fail(w, err)
			return
		}
		resp["cycles"] = recent
		if last, err := s.opts.History.LastSuccess(); err == nil {
			resp["last_success"] = last
		} else if err != state.ErrNoSuccess {
			s.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCustomer(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()
	c, err := s.lookup.CustomerByCNPJ(ctx, mux.Vars(r)["cnpj"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()
	c, err := s.lookup.CreditLimit(ctx, mux.Vars(r)["cnpj"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleInvoice(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseInt(mux.Vars(r)["number"], 10, 64)
	if err != nil {
		http.Error(w, "invalid invoice number", http.StatusBadRequest)
		return
	}
	ctx, cancel := s.queryContext(r)
	defer cancel()
	inv, err := s.lookup.Invoice(ctx, number)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleSalesBySeller(w http.ResponseWriter, r *http.Request) {
	s.handleSales(w, r, s.lookup.SalesBySeller)
}

func (s *Server) handleSalesBySupplier(w http.ResponseWriter, r *http.Request) {
	s.handleSales(w, r, s.lookup.SalesBySupplier)
}

type salesFunc func(ctx context.Context, from, to time.Time) ([]erp.SalesTotal, error)

func (s *Server) handleSales(w http.ResponseWriter, r *http.Request, sales salesFunc) {
	from, to, err := s.period(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := s.queryContext(r)
	defer cancel()
	totals, err := sales(ctx, from, to)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":   from.Format("2006-01-02"),
		"to":     to.Format("2006-01-02"),
		"totals": totals,
	})
}

// handleSummary accepts the sellers as repeated or comma separated
// seller parameters, every seller when absent.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.period(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var sellers []int64
	for _, v := range r.URL.Query()["seller"] {
		for _, code := range strings.Split(v, ",") {
			if code = strings.TrimSpace(code); code == "" {
				continue
			}
			n, err := strconv.ParseInt(code, 10, 64)
			if err != nil {
				http.Error(w, "invalid seller code "+code, http.StatusBadRequest)
				return
			}
			sellers = append(sellers, n)
		}
	}
	ctx, cancel := s.queryContext(r)
	defer cancel()
	sum, err := s.lookup.Summary(ctx, from, to, sellers)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// period reads from and to, defaulting to the current month up to today.
func (s *Server) period(r *http.Request) (time.Time, time.Time, error) {
	now := s.opts.Now()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	to := now
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse("2006-01-02", v); err != nil {
			return from, to, errors.New("invalid from date, expected YYYY-MM-DD")
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse("2006-01-02", v); err != nil {
			return from, to, errors.New("invalid to date, expected YYYY-MM-DD")
		}
	}
	return from, to, nil
}

func (s *Server) queryContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.QueryTimeout)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.writeError(w, statusOf(err), err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func statusOf(err error) int {
	switch errors.Cause(err) {
	case replication.ErrNoSnapshot:
		return http.StatusServiceUnavailable
	case reader.ErrTableNotFound, erp.ErrCustomerNotFound, erp.ErrInvoiceNotFound:
		return http.StatusNotFound
	case reader.ErrEmptyQuery, reader.ErrNotReadOnly, reader.ErrMultipleStatements,
		replication.ErrTableNameEmpty, replication.ErrTableNameInvalid,
		erp.ErrInvalidCNPJ, erp.ErrInvalidRange:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
