package core

import (
	"fmt"
	"sort"
)

type (
	// Summary holds ledger totals for whatever transaction collection was
	// loaded, live or archived.
	Summary struct {
		Income  int64 `json:"income"`
		Expense int64 `json:"expense"`
		Profit  int64 `json:"profit"`
	}

	// MonthlyTotal is one bucket of the month-by-month cashflow series.
	// Period is "M/YYYY" so buckets stay unambiguous across years.
	MonthlyTotal struct {
		Period  string `json:"period"`
		Income  int64  `json:"income"`
		Expense int64  `json:"expense"`
	}
)

// Summarize computes income, expense and profit totals in a single pass.
func Summarize(ts []Transaction) Summary {
	var s Summary
	for _, t := range ts {
		switch t.Type {
		case Income:
			s.Income += t.Amount
		case Expense:
			s.Expense += t.Amount
		}
	}
	s.Profit = s.Income - s.Expense
	return s
}

// MonthlySeries groups transactions by calendar month, sorted ascending.
// Records with unparseable dates are skipped rather than failing the batch.
func MonthlySeries(ts []Transaction) []MonthlyTotal {
	type monthKey struct {
		year  int
		month int
	}
	buckets := map[monthKey]*MonthlyTotal{}
	for _, t := range ts {
		d, err := ParseDate(t.Date)
		if err != nil {
			continue
		}
		key := monthKey{year: d.Year(), month: int(d.Month())}
		b, ok := buckets[key]
		if !ok {
			b = &MonthlyTotal{Period: fmt.Sprintf("%d/%d", key.month, key.year)}
			buckets[key] = b
		}
		switch t.Type {
		case Income:
			b.Income += t.Amount
		case Expense:
			b.Expense += t.Amount
		}
	}

	keys := make([]monthKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].year != keys[j].year {
			return keys[i].year < keys[j].year
		}
		return keys[i].month < keys[j].month
	})

	out := make([]MonthlyTotal, 0, len(keys))
	for _, k := range keys {
		out = append(out, *buckets[k])
	}
	return out
}
