// Package money handles amounts expressed in integer minor currency units.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	EUR Currency = "EUR"
	USD Currency = "USD"
	GBP Currency = "GBP"
	CHF Currency = "CHF"
)

// CurrencyInfo contains display metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int32
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: false},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
	CHF: {Code: CHF, MinorUnits: 2, Symbol: "CHF", SymbolFirst: true},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[Currency(strings.ToUpper(string(c)))]
	return info, ok
}

// Format renders minor units for display. It has no side effects.
func Format(amountMinor int64, currency Currency) string {
	info, ok := GetCurrencyInfo(currency)
	if !ok {
		return fmt.Sprintf("%s %s", decimal.New(amountMinor, -2).StringFixed(2), currency)
	}

	value := decimal.New(amountMinor, -info.MinorUnits).StringFixed(info.MinorUnits)
	if info.SymbolFirst {
		if strings.HasPrefix(value, "-") {
			return "-" + info.Symbol + strings.TrimPrefix(value, "-")
		}
		return info.Symbol + value
	}

	// Continental notation for symbol-last currencies
	return strings.Replace(value, ".", ",", 1) + " " + info.Symbol
}
