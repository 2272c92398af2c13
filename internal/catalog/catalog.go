// Package catalog holds the generation themes and the price-to-credit table.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

//go:embed defaults.toml
var defaultCatalog []byte

var ErrInvalidCatalog = errors.New("invalid catalog")

// Theme is a named prompt applied to every generation in a batch.
type Theme struct {
	ID     string `toml:"id" json:"id"`
	Title  string `toml:"title" json:"title"`
	Prompt string `toml:"prompt" json:"-"`
}

// Plan maps a payment provider price id to the credits it buys.
type Plan struct {
	ID      string `toml:"id" json:"id"`
	Name    string `toml:"name" json:"name"`
	PriceID string `toml:"price_id" json:"price_id"`
	Credits int64  `toml:"credits" json:"credits"`
	Price   string `toml:"price" json:"price"`
}

type document struct {
	Themes []Theme `toml:"themes"`
	Plans  []Plan  `toml:"plans"`
}

// Catalog is an immutable, validated set of themes and plans.
type Catalog struct {
	themes       []Theme
	themesByID   map[string]Theme
	plans        []Plan
	plansByID    map[string]Plan
	plansByPrice map[string]Plan
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a TOML file and overlays it on the built-in catalog: a non-empty section replaces the default one.
func Load(path string) (*Catalog, error) {
	base, err := decode(defaultCatalog)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return build(base)
	}
	raw, err := os.ReadFile(trimmed)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", trimmed, err)
	}
	overlay, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if len(overlay.Themes) > 0 {
		base.Themes = overlay.Themes
	}
	if len(overlay.Plans) > 0 {
		base.Plans = overlay.Plans
	}
	return build(base)
}

// Parse builds a catalog from TOML bytes.
func Parse(raw []byte) (*Catalog, error) {
	parsed, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return build(parsed)
}

// Themes returns the themes in declaration order.
func (catalog *Catalog) Themes() []Theme {
	return append([]Theme(nil), catalog.themes...)
}

// Theme looks up a theme by id.
func (catalog *Catalog) Theme(id string) (Theme, bool) {
	theme, ok := catalog.themesByID[strings.TrimSpace(id)]
	return theme, ok
}

// Plans returns the plans in declaration order.
func (catalog *Catalog) Plans() []Plan {
	return append([]Plan(nil), catalog.plans...)
}

// PlanByPriceID resolves the credits bought by a provider price id.
func (catalog *Catalog) PlanByPriceID(priceID string) (Plan, bool) {
	plan, ok := catalog.plansByPrice[strings.TrimSpace(priceID)]
	return plan, ok
}

// Plan looks up a plan by its short id ("starter", "pro", ...).
func (catalog *Catalog) Plan(id string) (Plan, bool) {
	plan, ok := catalog.plansByID[strings.TrimSpace(id)]
	return plan, ok
}

func decode(raw []byte) (document, error) {
	var parsed document
	if err := toml.Unmarshal(raw, &parsed); err != nil {
		return document{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return parsed, nil
}

func build(parsed document) (*Catalog, error) {
	catalog := &Catalog{
		themesByID:   make(map[string]Theme, len(parsed.Themes)),
		plansByID:    make(map[string]Plan, len(parsed.Plans)),
		plansByPrice: make(map[string]Plan, len(parsed.Plans)),
	}
	for _, theme := range parsed.Themes {
		theme.ID = strings.TrimSpace(theme.ID)
		theme.Prompt = strings.TrimSpace(theme.Prompt)
		if theme.ID == "" || theme.Prompt == "" {
			return nil, fmt.Errorf("%w: theme %q needs an id and a prompt", ErrInvalidCatalog, theme.ID)
		}
		if _, exists := catalog.themesByID[theme.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate theme %q", ErrInvalidCatalog, theme.ID)
		}
		catalog.themesByID[theme.ID] = theme
		catalog.themes = append(catalog.themes, theme)
	}
	for _, plan := range parsed.Plans {
		plan.ID = strings.TrimSpace(plan.ID)
		plan.PriceID = strings.TrimSpace(plan.PriceID)
		if plan.ID == "" || plan.PriceID == "" || plan.Credits <= 0 {
			return nil, fmt.Errorf("%w: plan %q needs an id, a price id and positive credits", ErrInvalidCatalog, plan.ID)
		}
		if _, exists := catalog.plansByPrice[plan.PriceID]; exists {
			return nil, fmt.Errorf("%w: duplicate price id %q", ErrInvalidCatalog, plan.PriceID)
		}
		catalog.plansByID[plan.ID] = plan
		catalog.plansByPrice[plan.PriceID] = plan
		catalog.plans = append(catalog.plans, plan)
	}
	if len(catalog.themes) == 0 {
		return nil, fmt.Errorf("%w: no themes", ErrInvalidCatalog)
	}
	return catalog, nil
}
