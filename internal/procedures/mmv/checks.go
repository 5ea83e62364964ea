package mmv

import (
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/ginjaninja78/dj-filer/internal/types"
	"github.com/ginjaninja78/dj-filer/internal/validation"
)

// Rule codes of the monthly sales checks.
const (
	CodeDuplicate   = "MMV_DUPLICADO"
	CodeNegativeNet = "MMV_NETO_NEGATIVO"
	CodeIVA         = "MMV_IVA"
	CodePeriod      = "MMV_PERIODO"
)

// Check runs the monthly sales checks over a mapped table.
//
// CHECKS:
//   - A document (C2, C3) appears only once. Every repeat is reported.
//   - The net amount (C6) is not negative.
//   - IVA (C7) differs from 19% of the net amount by at most 1% of the
//     net amount. Exempt documents are skipped.
//   - The document date (C1) falls inside the period. Unreadable dates
//     count as outside.
//
// RETURNS:
//   - One finding per failed check and row, rows 1-based, in row order.
func Check(table *types.Table, period Period) []validation.ValidationError {
	var findings []validation.ValidationError
	firstSeen := make(map[string]int)

	for i, row := range table.Rows {
		rowNum := i + 1
		docType, folio := row.Get("C2"), row.Get("C3")

		key := docType.String() + "|" + folio.String()
		if first, dup := firstSeen[key]; dup {
			findings = append(findings, validation.ValidationError{
				Row:      rowNum,
				Field:    "C3",
				RuleCode: CodeDuplicate,
				Message:  fmt.Sprintf("Documento duplicado: tipo %s folio %s (fila %d)", docType.String(), folio.String(), first),
				Value:    folio.String(),
			})
		} else {
			firstSeen[key] = rowNum
		}

		net, hasNet := row.Get("C6").Decimal()
		if hasNet && net.Sign() < 0 {
			findings = append(findings, validation.ValidationError{
				Row:      rowNum,
				Field:    "C6",
				RuleCode: CodeNegativeNet,
				Message:  "Monto neto negativo",
				Value:    row.Get("C6").String(),
			})
		}

		if hasNet && !exemptTypes[docType.String()] {
			if iva, ok := row.Get("C7").Decimal(); ok && !ivaConsistent(net, iva) {
				findings = append(findings, validation.ValidationError{
					Row:      rowNum,
					Field:    "C7",
					RuleCode: CodeIVA,
					Message:  fmt.Sprintf("IVA inconsistente: se esperaba %s", expectedIVA(net).Text('f')),
					Value:    row.Get("C7").String(),
				})
			}
		}

		date := row.Get("C1")
		if t, err := time.Parse("20060102", date.String()); err != nil || !period.Contains(t) {
			findings = append(findings, validation.ValidationError{
				Row:      rowNum,
				Field:    "C1",
				RuleCode: CodePeriod,
				Message:  fmt.Sprintf("Documento fuera del período %s", period),
				Value:    date.String(),
			})
		}
	}

	return findings
}

// ivaConsistent reports whether |iva - round(net*0.19)| <= |net|*0.01.
func ivaConsistent(net, iva *apd.Decimal) bool {
	var diff, tolerance apd.Decimal
	if _, err := money.Sub(&diff, iva, expectedIVA(net)); err != nil {
		return false
	}
	diff.Abs(&diff)
	if _, err := money.Mul(&tolerance, net, onePct); err != nil {
		return false
	}
	tolerance.Abs(&tolerance)
	return diff.Cmp(&tolerance) <= 0
}
