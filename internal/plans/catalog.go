// Package plans holds the immutable, versioned catalog of subscription plan
// quotas and overage prices.
package plans

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// UsageType is a metered kind of billable action
type UsageType string

const (
	UsageContracts  UsageType = "contracts"
	UsageSignatures UsageType = "signatures"
	UsageSMS        UsageType = "sms"
	UsageAICalls    UsageType = "ai_calls"
	UsageAPIAccess  UsageType = "api_access"
)

// UsageTypes lists every metered type in display order
var UsageTypes = []UsageType{UsageContracts, UsageSignatures, UsageSMS, UsageAICalls, UsageAPIAccess}

// Valid reports whether t is a known usage type
func (t UsageType) Valid() bool {
	for _, u := range UsageTypes {
		if u == t {
			return true
		}
	}
	return false
}

// Unlimited is the quota sentinel for "no limit"
const Unlimited int64 = -1

// Limit is the quota and overage rule for one usage type
type Limit struct {
	Quota          int64 `yaml:"quota" json:"quota" validate:"gte=-1"`
	OverageAllowed bool  `yaml:"overage_allowed" json:"overage_allowed"`
	OveragePrice   int64 `yaml:"overage_price" json:"overage_price" validate:"gte=0"`
}

// IsUnlimited reports whether the quota is the unlimited sentinel
func (l Limit) IsUnlimited() bool { return l.Quota == Unlimited }

// Disabled reports whether the usage type is unavailable on the plan
func (l Limit) Disabled() bool { return l.Quota == 0 && !l.OverageAllowed }

// Plan is a subscription plan's limits
type Plan struct {
	ID     string              `yaml:"id" json:"id" validate:"required"`
	Name   string              `yaml:"name" json:"name" validate:"required"`
	Limits map[UsageType]Limit `yaml:"limits" json:"limits" validate:"required,dive"`
}

// Limit returns the plan's limit for t. Types missing from the plan are disabled.
func (p Plan) Limit(t UsageType) Limit {
	if l, ok := p.Limits[t]; ok {
		return l
	}
	return Limit{Quota: 0}
}

type catalogFile struct {
	Version     int    `yaml:"version" validate:"gte=1"`
	DefaultPlan string `yaml:"default_plan" validate:"required"`
	Plans       []Plan `yaml:"plans" validate:"required,min=1,dive"`
}

// Catalog is a read-only set of plans. It is safe for concurrent use.
type Catalog struct {
	version     int
	defaultPlan string
	plans       map[string]Plan
}

// ErrUnknownPlan is returned for a plan id the catalog does not contain
var ErrUnknownPlan = errors.New("unknown plan")

//go:embed default.yaml
var defaultCatalog []byte

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the built-in catalog
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("built-in plan catalog invalid: %v", err))
	}
	return c
}

// Load reads a catalog from path, or returns the built-in catalog when path is empty
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing plan catalog: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("validating plan catalog: %w", err)
	}

	c := &Catalog{
		version:     f.Version,
		defaultPlan: f.DefaultPlan,
		plans:       make(map[string]Plan, len(f.Plans)),
	}
	for _, p := range f.Plans {
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("validating plan catalog: duplicate plan %q", p.ID)
		}
		for t, l := range p.Limits {
			if !t.Valid() {
				return nil, fmt.Errorf("validating plan catalog: plan %q: unknown usage type %q", p.ID, t)
			}
			if l.OverageAllowed && !l.IsUnlimited() && l.OveragePrice <= 0 {
				return nil, fmt.Errorf("validating plan catalog: plan %q: %s allows overage without a price", p.ID, t)
			}
		}
		c.plans[p.ID] = p
	}
	if _, ok := c.plans[f.DefaultPlan]; !ok {
		return nil, fmt.Errorf("validating plan catalog: default plan %q not defined", f.DefaultPlan)
	}
	return c, nil
}

// Version returns the catalog version
func (c *Catalog) Version() int { return c.version }

// Get returns the plan with id, falling back to the default plan when id is empty
func (c *Catalog) Get(id string) (Plan, error) {
	if id == "" {
		id = c.defaultPlan
	}
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, id)
	}
	return p, nil
}
