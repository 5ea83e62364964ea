// =============================================================================
// DJ Filer - Monthly Sales Procedure (DJ 1922)
// =============================================================================
//
// DJ 1922 (Movimiento Mensual de Ventas) is filed from the company's sales
// ledger rather than from a filled-in template. This procedure maps the
// ledger onto the declaration's fields, fills in derived amounts, runs the
// checks specific to monthly sales and hands the result to the processor.
//
// FIELD MAPPING:
//   fecha_documento  -> C1  (YYYYMMDD)
//   tipo_documento   -> C2  (default 33, electronic invoice)
//   numero_documento -> C3
//   rut_cliente      -> C4  (12345678-5)
//   nombre_cliente   -> C5
//   monto_neto       -> C6
//   monto_iva        -> C7  (19% of C6 when missing)
//   monto_total      -> C8  (C6 + C7 when missing)
//
// Findings of the monthly checks are merged into the validation report as
// row errors, so a ledger with duplicates or foreign-period documents is
// never filed unless forced.
//
// =============================================================================

package mmv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/rs/zerolog"

	"github.com/ginjaninja78/dj-filer/internal/config"
	"github.com/ginjaninja78/dj-filer/internal/encoder"
	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/processor"
	"github.com/ginjaninja78/dj-filer/internal/types"
	"github.com/ginjaninja78/dj-filer/internal/validation"
	"github.com/ginjaninja78/dj-filer/pkg/rut"
)

// DeclarationCode is the declaration this procedure files.
const DeclarationCode = "1922"

// Control columns added to the mapped table. They are persisted with the
// rows but never encoded.
const (
	ColPeriod      = "_PERIODO"
	ColCompanyRUT  = "_RUT_EMPRESA"
	ColProcessDate = "_FECHA_PROCESO"
)

// DefaultDocumentType is used when the ledger has no document type column.
const DefaultDocumentType = 33

// Mapping pairs a ledger column with the declaration field it fills.
type Mapping struct {
	Source string
	Field  string
}

// FieldMapping lists the ledger columns in field order.
var FieldMapping = []Mapping{
	{ColDate, "C1"},
	{ColDocumentType, "C2"},
	{ColFolio, "C3"},
	{ColClientRUT, "C4"},
	{ColClientName, "C5"},
	{ColNet, "C6"},
	{ColIVA, "C7"},
	{ColTotal, "C8"},
}

var (
	ivaRate = apd.New(19, -2)
	onePct  = apd.New(1, -2)

	// money rounds like the ledger exports do: half to even.
	money = apd.Context{Precision: 34, Rounding: apd.RoundHalfEven, MaxExponent: apd.MaxExponent, MinExponent: apd.MinExponent}
)

// exemptTypes are document types that carry no IVA: exempt invoices (34)
// and exempt receipts (41).
var exemptTypes = map[string]bool{"34": true, "41": true}

// =============================================================================
// PERIOD
// =============================================================================

// Period is a tax period, YYYYMM.
type Period struct {
	Year  int
	Month time.Month
}

// String renders the period as YYYYMM.
func (p Period) String() string {
	return fmt.Sprintf("%04d%02d", p.Year, int(p.Month))
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return t.Year() == p.Year && t.Month() == p.Month
}

// ParsePeriod validates a YYYYMM period. Error messages are in Spanish
// since they are shown to the person filing.
func ParsePeriod(s string) (Period, error) {
	if len(s) != 6 {
		return Period{}, errors.New("Período debe tener formato YYYYMM")
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil {
		return Period{}, errors.New("Período debe contener solo números")
	}
	month, err := strconv.Atoi(s[4:])
	if err != nil {
		return Period{}, errors.New("Período debe contener solo números")
	}
	if year < 2000 || year > 2100 {
		return Period{}, errors.New("Año debe estar entre 2000 y 2100")
	}
	if month < 1 || month > 12 {
		return Period{}, errors.New("Mes debe estar entre 01 y 12")
	}
	return Period{Year: year, Month: time.Month(month)}, nil
}

// =============================================================================
// PROCEDURE
// =============================================================================

// Options tunes one run of the procedure.
type Options struct {
	Force      bool
	Save       bool
	Workers    int
	OutputPath string
}

// Result is the outcome of the procedure.
type Result struct {
	Period  string
	Company config.CompanySettings

	// Rows is the number of ledger rows mapped.
	Rows int

	// Findings are the monthly-sales check failures, also merged into
	// Processing.Report.
	Findings []validation.ValidationError

	Summary *Summary

	// Processing is the processor's result for DJ 1922.
	Processing *processor.Result

	Success  bool
	Error    error
	Duration time.Duration
}

// Procedure files DJ 1922 from a sales ledger.
type Procedure struct {
	proc *processor.Processor
	log  zerolog.Logger
	now  func() time.Time
}

// New creates a Procedure running on proc. now may be nil.
func New(proc *processor.Processor, logger zerolog.Logger, now func() time.Time) *Procedure {
	if now == nil {
		now = time.Now
	}
	return &Procedure{proc: proc, log: logger.With().Str("procedure", "MMV").Logger(), now: now}
}

// Run maps the sales ledger to DJ 1922, checks it and processes it.
//
// PARAMETERS:
//   - sales: The ledger, one row per document.
//   - company: The filing company; its RUT is stamped on every row.
//   - period: The tax period, YYYYMM.
//   - opts: Processing options passed to the processor.
//
// RETURNS:
//   - The result. A bad period or a failed run sets Result.Error.
func (p *Procedure) Run(ctx context.Context, sales *types.Table, company config.CompanySettings, period string, opts Options) *Result {
	start := p.now()
	res := &Result{Period: period, Company: company}
	defer func() { res.Duration = p.now().Sub(start) }()

	per, err := ParsePeriod(period)
	if err != nil {
		res.Error = err
		return res
	}

	table := Transform(sales, company, start)
	res.Rows = table.Len()
	p.log.Info().Str("period", period).Int("rows", res.Rows).Msg("sales ledger mapped")

	res.Findings = Check(table, per)
	if len(res.Findings) > 0 {
		p.log.Warn().Int("findings", len(res.Findings)).Msg("monthly sales checks failed")
	}

	summary := Summarize(table, per, start)
	res.Summary = &summary

	table.AddColumn(ColPeriod, types.NewText(per.String()))

	pr := p.proc.Run(ctx, processor.Request{
		Code:        DeclarationCode,
		Table:       table,
		Force:       opts.Force,
		Save:        opts.Save,
		Workers:     opts.Workers,
		OutputPath:  opts.OutputPath,
		ExtraErrors: res.Findings,
	})
	res.Processing = &pr
	res.Error = pr.Error
	res.Success = pr.Success && len(res.Findings) == 0
	return res
}

// =============================================================================
// MAPPING
// =============================================================================

// Transform maps a sales ledger onto the DJ 1922 fields.
//
// Missing ledger columns get defaults: today's date, document type 33,
// zero folio and amounts, blank client. Dates become YYYYMMDD, client RUTs
// 12345678-5. A missing or zero IVA is 19% of the net amount (except on
// exempt documents); a missing or zero total is net plus IVA.
func Transform(sales *types.Table, company config.CompanySettings, now time.Time) *types.Table {
	cols := make([]string, 0, len(FieldMapping)+2)
	for _, m := range FieldMapping {
		cols = append(cols, m.Field)
	}
	cols = append(cols, ColCompanyRUT, ColProcessDate)
	out := types.NewTable(cols...)

	companyRUT := types.Null()
	if company.RUT != "" {
		companyRUT = types.NewText(rut.Compact(company.RUT))
	}
	processDate := types.NewText(now.Format("20060102"))

	for i := range sales.Rows {
		row := make(types.Row, len(cols))
		for _, m := range FieldMapping {
			if sales.HasColumn(m.Source) {
				row[m.Field] = sales.Get(i, m.Source)
			} else {
				row[m.Field] = defaultValue(m.Field, now)
			}
		}

		row["C1"] = normalizeDate(row["C1"])
		if v := row["C4"]; !v.IsBlank() {
			row["C4"] = types.NewText(rut.Compact(v.String()))
		}
		fillAmounts(row)

		row[ColCompanyRUT] = companyRUT
		row[ColProcessDate] = processDate
		out.AddRow(row)
	}
	return out
}

func defaultValue(field string, now time.Time) types.Value {
	switch field {
	case "C1":
		return types.NewText(now.Format("20060102"))
	case "C2":
		return types.NewInt(DefaultDocumentType)
	case "C3", "C6", "C7", "C8":
		return types.NewInt(0)
	default:
		return types.Null()
	}
}

func normalizeDate(v types.Value) types.Value {
	if v.IsBlank() {
		return types.Null()
	}
	return types.NewText(encoder.FormatValue(v, metadata.FieldSpec{DataType: metadata.DataTypeDate}))
}

// fillAmounts derives IVA and total when they are missing or zero.
func fillAmounts(row types.Row) {
	net, ok := row.Get("C6").Decimal()
	if !ok {
		return
	}

	iva, ok := row.Get("C7").Decimal()
	if (!ok || iva.IsZero()) && !exemptTypes[row.Get("C2").String()] {
		iva = expectedIVA(net)
		row["C7"] = types.NewDecimal(iva)
	}
	if iva == nil {
		iva = apd.New(0, 0)
	}

	total, ok := row.Get("C8").Decimal()
	if !ok || total.IsZero() {
		sum := new(apd.Decimal)
		if _, err := money.Add(sum, net, iva); err == nil {
			row["C8"] = types.NewDecimal(sum)
		}
	}
}

// expectedIVA is 19% of net, rounded to whole pesos.
func expectedIVA(net *apd.Decimal) *apd.Decimal {
	var product, out apd.Decimal
	if _, err := money.Mul(&product, net, ivaRate); err != nil {
		return apd.New(0, 0)
	}
	if _, err := money.Quantize(&out, &product, 0); err != nil {
		return apd.New(0, 0)
	}
	return &out
}
