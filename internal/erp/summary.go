package erp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/snowflk/erpmirror/internal/reader"
)

// Party is a customer or a supplier.
type Party struct {
	Code int64  `json:"code"`
	Name string `json:"name"`
}

// Summary is the sales overview of a period for a group of salespeople,
// compared with the same days one month and one year earlier.
type Summary struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Sellers []int64 `json:"sellers"`

	Revenue       float64 `json:"revenue"`
	PreviousMonth float64 `json:"previous_month"`
	PreviousYear  float64 `json:"previous_year"`
	// MonthChange and YearChange are percentages, 0 without a base to compare.
	MonthChange float64 `json:"month_change"`
	YearChange  float64 `json:"year_change"`

	// CustomersNotServed are the sellers' customers without a purchase in the
	// period. Every supplier without a sale is not served.
	CustomersServed    []Party `json:"customers_served"`
	CustomersNotServed []Party `json:"customers_not_served"`
	SuppliersServed    []Party `json:"suppliers_served"`
	SuppliersNotServed []Party `json:"suppliers_not_served"`

	// Lapsed parties bought or sold in the previous month but not in the period.
	LapsedCustomers []Party `json:"lapsed_customers"`
	LapsedSuppliers []Party `json:"lapsed_suppliers"`
}

// Summary builds the overview of [from, to] for the given salespeople, every
// salesperson when sellers is empty.
func (l *Lookup) Summary(ctx context.Context, from, to time.Time, sellers []int64) (*Summary, error) {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, ErrInvalidRange
	}
	if sellers == nil {
		sellers = []int64{}
	}
	sum := &Summary{From: from.Format(dateLayout), To: to.Format(dateLayout), Sellers: sellers}
	monthFrom, monthTo := addMonths(from, -1), addMonths(to, -1)
	yearFrom, yearTo := addMonths(from, -12), addMonths(to, -12)

	var err error
	if sum.Revenue, err = l.revenue(ctx, from, to, sellers); err != nil {
		return nil, err
	}
	if sum.PreviousMonth, err = l.revenue(ctx, monthFrom, monthTo, sellers); err != nil {
		return nil, err
	}
	if sum.PreviousYear, err = l.revenue(ctx, yearFrom, yearTo, sellers); err != nil {
		return nil, err
	}
	sum.MonthChange = change(sum.Revenue, sum.PreviousMonth)
	sum.YearChange = change(sum.Revenue, sum.PreviousYear)

	if sum.CustomersServed, err = l.servedCustomers(ctx, from, to, sellers); err != nil {
		return nil, err
	}
	portfolio, err := l.portfolio(ctx, sellers)
	if err != nil {
		return nil, err
	}
	sum.CustomersNotServed = without(portfolio, sum.CustomersServed)

	if sum.SuppliersServed, err = l.servedSuppliers(ctx, from, to, sellers); err != nil {
		return nil, err
	}
	suppliers, err := l.parties(ctx, `SELECT CODFORNEC AS CODE, COALESCE(FORNECEDOR, '') AS NAME FROM PCFORNEC ORDER BY CODFORNEC`)
	if err != nil {
		return nil, err
	}
	sum.SuppliersNotServed = without(suppliers, sum.SuppliersServed)

	lastCustomers, err := l.servedCustomers(ctx, monthFrom, monthTo, sellers)
	if err != nil {
		return nil, err
	}
	sum.LapsedCustomers = without(lastCustomers, sum.CustomersServed)
	lastSuppliers, err := l.servedSuppliers(ctx, monthFrom, monthTo, sellers)
	if err != nil {
		return nil, err
	}
	sum.LapsedSuppliers = without(lastSuppliers, sum.SuppliersServed)
	return sum, nil
}

func (l *Lookup) revenue(ctx context.Context, from, to time.Time, sellers []int64) (float64, error) {
	filter, args := sellerFilter(sellers)
	res, err := l.reader.Query(ctx, reader.SQL(fmt.Sprintf(`
		SELECT COALESCE(SUM(m.QT * m.PUNIT), 0) AS REVENUE
		FROM PCMOV m
		WHERE %s%s`, saleWhere, filter), periodArgs(from, to, args)...))
	if err != nil {
		return 0, err
	}
	if res.Len() == 0 {
		return 0, nil
	}
	return toFloat(res.Rows[0]["REVENUE"]), nil
}

func (l *Lookup) servedCustomers(ctx context.Context, from, to time.Time, sellers []int64) ([]Party, error) {
	filter, args := sellerFilter(sellers)
	return l.parties(ctx, fmt.Sprintf(`
		SELECT DISTINCT m.CODCLI AS CODE, COALESCE(c.CLIENTE, '') AS NAME
		FROM PCMOV m
		LEFT JOIN PCCLIENT c ON c.CODCLI = m.CODCLI
		WHERE m.CODCLI IS NOT NULL AND %s%s
		ORDER BY CODE`, saleWhere, filter), periodArgs(from, to, args)...)
}

func (l *Lookup) servedSuppliers(ctx context.Context, from, to time.Time, sellers []int64) ([]Party, error) {
	filter, args := sellerFilter(sellers)
	return l.parties(ctx, fmt.Sprintf(`
		SELECT DISTINCT COALESCE(p.CODFORNEC, m.CODFORNEC) AS CODE, COALESCE(f.FORNECEDOR, '') AS NAME
		FROM PCMOV m
		LEFT JOIN PCPRODUT p ON p.CODPROD = m.CODPROD
		LEFT JOIN PCFORNEC f ON f.CODFORNEC = COALESCE(p.CODFORNEC, m.CODFORNEC)
		WHERE COALESCE(p.CODFORNEC, m.CODFORNEC) IS NOT NULL AND %s%s
		ORDER BY CODE`, saleWhere, filter), periodArgs(from, to, args)...)
}

// portfolio lists the customers assigned to the sellers, as first or second
// salesperson.
func (l *Lookup) portfolio(ctx context.Context, sellers []int64) ([]Party, error) {
	query := `SELECT CODCLI AS CODE, COALESCE(CLIENTE, '') AS NAME FROM PCCLIENT`
	var args []interface{}
	if len(sellers) > 0 {
		first, firstArgs := inList("CODUSUR1", sellers)
		second, secondArgs := inList("CODUSUR2", sellers)
		query += " WHERE " + first + " OR " + second
		args = append(firstArgs, secondArgs...)
	}
	return l.parties(ctx, query+" ORDER BY CODCLI", args...)
}

func (l *Lookup) parties(ctx context.Context, query string, args ...interface{}) ([]Party, error) {
	res, err := l.reader.Query(ctx, reader.SQL(query, args...))
	if err != nil {
		return nil, err
	}
	out := make([]Party, 0, res.Len())
	for _, row := range res.Rows {
		out = append(out, Party{Code: toInt64(row["CODE"]), Name: toString(row["NAME"])})
	}
	return out, nil
}

// sellerFilter narrows the movements to the sellers, all of them when empty.
func sellerFilter(sellers []int64) (string, []interface{}) {
	if len(sellers) == 0 {
		return "", nil
	}
	cond, args := inList("m.CODUSUR", sellers)
	return " AND " + cond, args
}

// inList renders "column IN (?, ...)" with its arguments.
func inList(column string, codes []int64) (string, []interface{}) {
	marks := make([]string, len(codes))
	args := make([]interface{}, len(codes))
	for i, c := range codes {
		marks[i] = "?"
		args[i] = c
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(marks, ", ")), args
}

func periodArgs(from, to time.Time, rest []interface{}) []interface{} {
	return append([]interface{}{from.Format(dateLayout), to.Format(dateLayout)}, rest...)
}

func without(all, served []Party) []Party {
	seen := make(map[int64]bool, len(served))
	for _, p := range served {
		seen[p.Code] = true
	}
	out := make([]Party, 0, len(all))
	for _, p := range all {
		if !seen[p.Code] {
			out = append(out, p)
		}
	}
	return out
}

func change(current, base float64) float64 {
	if base == 0 {
		return 0
	}
	return (current - base) / base * 100
}

// addMonths moves t by n months, clamping to the last day of the target
// month: March 31 minus one month is February 28.
func addMonths(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	target := first.AddDate(0, n, 0)
	last := target.AddDate(0, 1, -1).Day()
	d := t.Day()
	if d > last {
		d = last
	}
	return target.AddDate(0, 0, d-1)
}
