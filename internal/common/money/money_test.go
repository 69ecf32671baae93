package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		currency Currency
		want     string
	}{
		{"euro", 1250, EUR, "12,50 €"},
		{"euro zero", 0, EUR, "0,00 €"},
		{"euro cents", 5, EUR, "0,05 €"},
		{"dollar", 99999, USD, "$999.99"},
		{"negative dollar", -1050, USD, "-$10.50"},
		{"lowercase code", 100, Currency("eur"), "1,00 €"},
		{"unknown currency", 1234, Currency("XYZ"), "12.34 XYZ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.amount, tt.currency))
		})
	}
}

func TestGetCurrencyInfo(t *testing.T) {
	info, ok := GetCurrencyInfo(Currency("gbp"))
	assert.True(t, ok)
	assert.Equal(t, "£", info.Symbol)
	assert.Equal(t, int32(2), info.MinorUnits)

	_, ok = GetCurrencyInfo(Currency("XYZ"))
	assert.False(t, ok)
}
