package mmv

import (
	"sort"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/ginjaninja78/dj-filer/internal/types"
)

// topClients is the length of Summary.TopClients.
const topClients = 10

// Amounts totals the money columns of a period.
type Amounts struct {
	Net      *apd.Decimal
	IVA      *apd.Decimal
	Gross    *apd.Decimal
	Average  *apd.Decimal // gross per document, two decimals
	Largest  *apd.Decimal
	Smallest *apd.Decimal
}

// ClientTotal is the gross amount billed to one client.
type ClientTotal struct {
	Name  string
	Total *apd.Decimal
}

// Summary describes a mapped sales ledger.
type Summary struct {
	Period    string
	Documents int
	Generated time.Time

	// ByDocumentType counts documents per C2 value.
	ByDocumentType map[string]int

	// Amounts is nil for an empty ledger.
	Amounts *Amounts

	// TopClients are the ten clients with the largest gross amount,
	// largest first. Rows without a client name are left out.
	TopClients []ClientTotal
}

// Summarize builds the period summary of a mapped table.
func Summarize(table *types.Table, period Period, generated time.Time) Summary {
	s := Summary{
		Period:         period.String(),
		Documents:      table.Len(),
		Generated:      generated,
		ByDocumentType: make(map[string]int),
	}

	clients := make(map[string]*apd.Decimal)
	var net, iva, gross apd.Decimal
	var largest, smallest *apd.Decimal

	for _, row := range table.Rows {
		s.ByDocumentType[row.Get("C2").String()]++

		addTo(&net, row.Get("C6"))
		addTo(&iva, row.Get("C7"))

		total, ok := row.Get("C8").Decimal()
		if !ok {
			continue
		}
		_, _ = money.Add(&gross, &gross, total)
		if largest == nil || total.Cmp(largest) > 0 {
			largest = total
		}
		if smallest == nil || total.Cmp(smallest) < 0 {
			smallest = total
		}

		if name := row.Get("C5"); !name.IsBlank() {
			acc, ok := clients[name.String()]
			if !ok {
				acc = new(apd.Decimal)
				clients[name.String()] = acc
			}
			_, _ = money.Add(acc, acc, total)
		}
	}

	if table.Len() > 0 {
		var avg, rounded apd.Decimal
		_, _ = money.Quo(&avg, &gross, apd.New(int64(table.Len()), 0))
		_, _ = money.Quantize(&rounded, &avg, -2)
		s.Amounts = &Amounts{
			Net:      &net,
			IVA:      &iva,
			Gross:    &gross,
			Average:  &rounded,
			Largest:  orZero(largest),
			Smallest: orZero(smallest),
		}
	}

	for name, total := range clients {
		s.TopClients = append(s.TopClients, ClientTotal{Name: name, Total: total})
	}
	sort.Slice(s.TopClients, func(i, j int) bool {
		if c := s.TopClients[i].Total.Cmp(s.TopClients[j].Total); c != 0 {
			return c > 0
		}
		return s.TopClients[i].Name < s.TopClients[j].Name
	})
	if len(s.TopClients) > topClients {
		s.TopClients = s.TopClients[:topClients]
	}

	return s
}

func addTo(acc *apd.Decimal, v types.Value) {
	if d, ok := v.Decimal(); ok {
		_, _ = money.Add(acc, acc, d)
	}
}

func orZero(d *apd.Decimal) *apd.Decimal {
	if d == nil {
		return apd.New(0, 0)
	}
	return d
}
