package orders

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("invalid side %q", raw)
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

type Type string

const (
	TypeMarket    Type = "market"
	TypeLimit     Type = "limit"
	TypeStop      Type = "stop"
	TypeStopLimit Type = "stop_limit"
)

func ParseType(raw string) (Type, error) {
	v := Type(strings.ToLower(strings.TrimSpace(raw)))
	if v == "" {
		return TypeMarket, nil
	}
	switch v {
	case TypeMarket, TypeLimit, TypeStop, TypeStopLimit:
		return v, nil
	}
	return "", fmt.Errorf("invalid order type %q", raw)
}

func (t Type) NeedsLimitPrice() bool {
	return t == TypeLimit || t == TypeStopLimit
}

func (t Type) NeedsStopPrice() bool {
	return t == TypeStop || t == TypeStopLimit
}

// Source identifies who produced a status update. Lower values take
// precedence when everything else ties.
type Source int

const (
	SourceManual         Source = 1
	SourceReconciliation Source = 2
	SourceWebhook        Source = 3
)

func (s Source) String() string {
	switch s {
	case SourceManual:
		return "manual"
	case SourceReconciliation:
		return "reconciliation"
	case SourceWebhook:
		return "webhook"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// PriceKey renders the price fields that participate in client order ids.
func PriceKey(limit, stop *decimal.Decimal) string {
	var parts []string
	if limit != nil {
		parts = append(parts, "l"+limit.String())
	}
	if stop != nil {
		parts = append(parts, "s"+stop.String())
	}
	return strings.Join(parts, "/")
}
