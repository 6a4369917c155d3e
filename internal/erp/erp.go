// Package erp answers the everyday lookups on the replicated ERP tables:
// customers by CNPJ, credit limits, invoices and sales totals.
package erp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/snowflk/erpmirror/internal/reader"
)

var (
	ErrInvalidCNPJ      = errors.New("invalid CNPJ")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrInvalidRange     = errors.New("invalid date range")
)

const dateLayout = "2006-01-02"

// saleWhere keeps the sale movements of a date range, cancelled ones excluded.
const saleWhere = `m.CODOPER LIKE 'S%' AND m.DTCANCEL IS NULL AND substr(CAST(m.DTMOV AS TEXT), 1, 10) BETWEEN ? AND ?`

// digitsOf strips the CNPJ punctuation on the SQLite side.
const digitsOf = `REPLACE(REPLACE(REPLACE(REPLACE(CAST(%s AS TEXT), '.', ''), '/', ''), '-', ''), ' ', '')`

type Customer struct {
	Code        int64   `json:"code"`
	Name        string  `json:"name"`
	CNPJ        string  `json:"cnpj"`
	Sellers     []int64 `json:"sellers"`
	Blocked     bool    `json:"blocked"`
	CreditLimit float64 `json:"credit_limit"`
}

type Credit struct {
	CNPJ     string  `json:"cnpj"`
	Customer string  `json:"customer"`
	Limit    float64 `json:"limit"`
	Blocked  bool    `json:"blocked"`
}

type InvoiceItem struct {
	ProductCode int64   `json:"product_code"`
	Product     string  `json:"product"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Total       float64 `json:"total"`
}

type Invoice struct {
	Number       int64         `json:"number"`
	Date         string        `json:"date"`
	Operation    string        `json:"operation"`
	CustomerCode int64         `json:"customer_code"`
	Customer     string        `json:"customer"`
	Cancelled    bool          `json:"cancelled"`
	Items        []InvoiceItem `json:"items"`
	Total        float64       `json:"total"`
}

// SalesTotal is the revenue of one salesperson or supplier.
type SalesTotal struct {
	Code     int64   `json:"code"`
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Revenue  float64 `json:"revenue"`
}

type Lookup struct {
	reader *reader.Reader
}

func New(r *reader.Reader) *Lookup {
	return &Lookup{reader: r}
}

func (l *Lookup) CustomerByCNPJ(ctx context.Context, cnpj string) (*Customer, error) {
	digits, err := ParseCNPJ(cnpj)
	if err != nil {
		return nil, err
	}
	res, err := l.reader.Query(ctx, reader.SQL(fmt.Sprintf(`
		SELECT CODCLI, CLIENTE, CGCENT, CODUSUR1, CODUSUR2, BLOQUEIO, LIMCRED
		FROM PCCLIENT
		WHERE %s = ?
		ORDER BY CODCLI
		LIMIT 1`, fmt.Sprintf(digitsOf, "CGCENT")), digits))
	if err != nil {
		return nil, err
	}
	if res.Len() == 0 {
		return nil, errors.Wrap(ErrCustomerNotFound, digits)
	}
	row := res.Rows[0]
	c := &Customer{
		Code:        toInt64(row["CODCLI"]),
		Name:        toString(row["CLIENTE"]),
		CNPJ:        NormalizeCNPJ(toString(row["CGCENT"])),
		Sellers:     make([]int64, 0, 2),
		Blocked:     toBool(row["BLOQUEIO"]),
		CreditLimit: toFloat(row["LIMCRED"]),
	}
	for _, col := range []string{"CODUSUR1", "CODUSUR2"} {
		if row[col] != nil {
			c.Sellers = append(c.Sellers, toInt64(row[col]))
		}
	}
	return c, nil
}

func (l *Lookup) CreditLimit(ctx context.Context, cnpj string) (*Credit, error) {
	c, err := l.CustomerByCNPJ(ctx, cnpj)
	if err != nil {
		return nil, err
	}
	return &Credit{CNPJ: c.CNPJ, Customer: c.Name, Limit: c.CreditLimit, Blocked: c.Blocked}, nil
}

func (l *Lookup) Invoice(ctx context.Context, number int64) (*Invoice, error) {
	res, err := l.reader.Query(ctx, reader.SQL(`
		SELECT m.NUMNOTA, substr(CAST(m.DTMOV AS TEXT), 1, 10) AS DTMOV, m.CODOPER, m.CODCLI, c.CLIENTE,
		       m.CODPROD, p.DESCRICAO, m.QT, m.PUNIT, m.DTCANCEL
		FROM PCMOV m
		LEFT JOIN PCCLIENT c ON c.CODCLI = m.CODCLI
		LEFT JOIN PCPRODUT p ON p.CODPROD = m.CODPROD
		WHERE m.NUMNOTA = ?
		ORDER BY m.CODPROD`, number))
	if err != nil {
		return nil, err
	}
	if res.Len() == 0 {
		return nil, errors.Wrap(ErrInvoiceNotFound, strconv.FormatInt(number, 10))
	}
	first := res.Rows[0]
	inv := &Invoice{
		Number:       number,
		Date:         toString(first["DTMOV"]),
		Operation:    toString(first["CODOPER"]),
		CustomerCode: toInt64(first["CODCLI"]),
		Customer:     toString(first["CLIENTE"]),
		Items:        make([]InvoiceItem, 0, res.Len()),
	}
	for _, row := range res.Rows {
		item := InvoiceItem{
			ProductCode: toInt64(row["CODPROD"]),
			Product:     toString(row["DESCRICAO"]),
			Quantity:    toFloat(row["QT"]),
			UnitPrice:   toFloat(row["PUNIT"]),
		}
		item.Total = item.Quantity * item.UnitPrice
		inv.Total += item.Total
		inv.Items = append(inv.Items, item)
		if row["DTCANCEL"] != nil {
			inv.Cancelled = true
		}
	}
	return inv, nil
}

// SalesBySeller totals the sales movements of [from, to] per salesperson,
// highest revenue first.
func (l *Lookup) SalesBySeller(ctx context.Context, from, to time.Time) ([]SalesTotal, error) {
	return l.sales(ctx, from, to, `
		SELECT m.CODUSUR AS CODE, COALESCE(u.NOME, '') AS NAME, SUM(m.QT) AS QT, SUM(m.QT * m.PUNIT) AS REVENUE
		FROM PCMOV m
		LEFT JOIN PCUSUARI u ON u.CODUSUR = m.CODUSUR
		WHERE %s
		GROUP BY m.CODUSUR, u.NOME
		ORDER BY REVENUE DESC, CODE`)
}

// SalesBySupplier totals the sales movements of [from, to] per supplier of
// the sold product, highest revenue first.
func (l *Lookup) SalesBySupplier(ctx context.Context, from, to time.Time) ([]SalesTotal, error) {
	return l.sales(ctx, from, to, `
		SELECT COALESCE(p.CODFORNEC, m.CODFORNEC) AS CODE, COALESCE(f.FORNECEDOR, '') AS NAME,
		       SUM(m.QT) AS QT, SUM(m.QT * m.PUNIT) AS REVENUE
		FROM PCMOV m
		LEFT JOIN PCPRODUT p ON p.CODPROD = m.CODPROD
		LEFT JOIN PCFORNEC f ON f.CODFORNEC = COALESCE(p.CODFORNEC, m.CODFORNEC)
		WHERE %s
		GROUP BY CODE, f.FORNECEDOR
		ORDER BY REVENUE DESC, CODE`)
}

func (l *Lookup) sales(ctx context.Context, from, to time.Time, query string) ([]SalesTotal, error) {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, ErrInvalidRange
	}
	res, err := l.reader.Query(ctx, reader.SQL(fmt.Sprintf(query, saleWhere), from.Format(dateLayout), to.Format(dateLayout)))
	if err != nil {
		return nil, err
	}
	totals := make([]SalesTotal, 0, res.Len())
	for _, row := range res.Rows {
		totals = append(totals, SalesTotal{
			Code:     toInt64(row["CODE"]),
			Name:     toString(row["NAME"]),
			Quantity: toFloat(row["QT"]),
			Revenue:  toFloat(row["REVENUE"]),
		})
	}
	return totals, nil
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(dateLayout)
	default:
		return reader.Key(x)
	}
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	default:
		n, _ := strconv.ParseInt(strings.TrimSpace(toString(x)), 10, 64)
		return n
	}
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	default:
		f, _ := strconv.ParseFloat(strings.Replace(strings.TrimSpace(toString(x)), ",", ".", 1), 64)
		return f
	}
}

// toBool reads the ERP's S/N flags.
func toBool(v interface{}) bool {
	switch strings.ToUpper(strings.TrimSpace(toString(v))) {
	case "S", "Y", "1", "TRUE":
		return true
	default:
		return false
	}
}
