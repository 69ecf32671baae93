package plans

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	assert.GreaterOrEqual(t, c.Version(), 1)

	free, err := c.Get("")
	require.NoError(t, err)
	assert.Equal(t, "free", free.ID)
	assert.True(t, free.Limit(UsageAPIAccess).Disabled())
	assert.False(t, free.Limit(UsageSMS).Disabled(), "sms has no quota but overage is allowed")

	business, err := c.Get("business")
	require.NoError(t, err)
	assert.True(t, business.Limit(UsageSignatures).IsUnlimited())

	_, err = c.Get("enterprise")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestMissingTypeIsDisabled(t *testing.T) {
	p := Plan{ID: "x", Name: "x", Limits: map[UsageType]Limit{}}
	assert.True(t, p.Limit(UsageContracts).Disabled())
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no plans", "version: 1\ndefault_plan: a\nplans: []\n"},
		{"missing default", "version: 1\ndefault_plan: b\nplans:\n  - id: a\n    name: A\n    limits:\n      sms: {quota: 1}\n"},
		{"unknown type", "version: 1\ndefault_plan: a\nplans:\n  - id: a\n    name: A\n    limits:\n      faxes: {quota: 1}\n"},
		{"quota below sentinel", "version: 1\ndefault_plan: a\nplans:\n  - id: a\n    name: A\n    limits:\n      sms: {quota: -2}\n"},
		{"overage without price", "version: 1\ndefault_plan: a\nplans:\n  - id: a\n    name: A\n    limits:\n      sms: {quota: 1, overage_allowed: true}\n"},
		{"duplicate", "version: 1\ndefault_plan: a\nplans:\n  - id: a\n    name: A\n    limits:\n      sms: {quota: 1}\n  - id: a\n    name: A2\n    limits:\n      sms: {quota: 2}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 7
default_plan: solo
plans:
  - id: solo
    name: Solo
    limits:
      signatures: { quota: 2, overage_allowed: true, overage_price: 10 }
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Version())

	p, err := c.Get("solo")
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Limit(UsageSignatures).OveragePrice)
}
