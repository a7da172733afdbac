package remote

import (
	"encoding/json"
	"strconv"
	"strings"

	"farmledger/internal/core"
)

// The scripted spreadsheet endpoint has no schema enforcement, so every
// response crosses a parse-and-validate boundary here: fields are coerced to
// the expected primitive types and malformed records are skipped instead of
// failing the batch.

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return f
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func asInt64(v any) int64 {
	return int64(asFloat(v) + 0.5)
}

// parseTransaction coerces one loosely-typed record. A record without an id
// or with a non-positive amount is considered malformed.
func parseTransaction(raw map[string]any) (core.Transaction, bool) {
	tx := core.Transaction{
		ID:        asString(raw["id"]),
		Date:      asString(raw["date"]),
		Type:      core.TransactionType(strings.ToUpper(asString(raw["type"]))),
		Category:  asString(raw["category"]),
		Amount:    asInt64(raw["amount"]),
		Quantity:  asFloat(raw["quantity"]),
		UnitPrice: asFloat(raw["unitPrice"]),
		Note:      asString(raw["note"]),
		Timestamp: asInt64(raw["timestamp"]),
	}
	if tx.ID == "" || tx.Amount <= 0 {
		return core.Transaction{}, false
	}
	if !tx.Type.Valid() {
		return core.Transaction{}, false
	}
	return tx, true
}

func parseUser(raw map[string]any) (core.User, bool) {
	u := core.User{
		Username: asString(raw["username"]),
		Password: asString(raw["password"]),
		Role:     strings.ToLower(asString(raw["role"])),
	}
	if u.Username == "" {
		return core.User{}, false
	}
	if u.Role != core.RoleAdmin && u.Role != core.RoleStaff {
		u.Role = core.RoleStaff
	}
	return u, true
}

func parseTransactions(data []byte) ([]core.Transaction, error) {
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	out := make([]core.Transaction, 0, len(rows))
	for _, row := range rows {
		if tx, ok := parseTransaction(row); ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

func parseUsers(data []byte) ([]core.User, error) {
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	out := make([]core.User, 0, len(rows))
	for _, row := range rows {
		if u, ok := parseUser(row); ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func parseStrings(data []byte) ([]string, error) {
	var rows []any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if s := asString(row); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
