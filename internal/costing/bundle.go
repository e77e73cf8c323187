package costing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"opsdash/backend/internal/store"
)

// Demand is the quantity of one SKU an order line consumes.
type Demand struct {
	SKU      string
	Quantity decimal.Decimal
}

// Resolver explodes bundle SKUs one level deep into component demand.
type Resolver struct {
	catalog store.Catalog
}

func NewResolver(catalog store.Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve returns qty × ratio for every component of bundleSKU. Rows for the
// same component are merged. A component that is itself a bundle rejects the
// whole recipe.
func (r *Resolver) Resolve(ctx context.Context, bundleSKU string, qty decimal.Decimal) ([]Demand, error) {
	components, err := r.catalog.ListBundleComponents(ctx, bundleSKU)
	if err != nil {
		return nil, fmt.Errorf("list components of %s: %w", bundleSKU, err)
	}
	if len(components) == 0 {
		return nil, &NoRecipeError{BundleSKU: bundleSKU}
	}

	demands := make([]Demand, 0, len(components))
	index := make(map[string]int, len(components))
	for _, c := range components {
		sku := strings.TrimSpace(c.ComponentSKU)
		if sku == "" || !c.QuantityPerUnit.IsPositive() {
			return nil, fmt.Errorf("%w: %s component %q ratio %s", ErrInvalidRecipe, bundleSKU, c.ComponentSKU, c.QuantityPerUnit)
		}
		nested, err := r.isBundle(ctx, sku)
		if err != nil {
			return nil, err
		}
		if nested || sku == bundleSKU {
			return nil, fmt.Errorf("%w: %s contains bundle %s", ErrNestedBundle, bundleSKU, sku)
		}

		need := qty.Mul(c.QuantityPerUnit)
		if i, ok := index[sku]; ok {
			demands[i].Quantity = demands[i].Quantity.Add(need)
			continue
		}
		index[sku] = len(demands)
		demands = append(demands, Demand{SKU: sku, Quantity: need})
	}
	return demands, nil
}

// Explode returns the demand for one order line: the bundle's components when
// sku is flagged as a bundle in the catalog, otherwise the line itself.
func (r *Resolver) Explode(ctx context.Context, sku string, qty decimal.Decimal) ([]Demand, error) {
	bundle, err := r.isBundle(ctx, sku)
	if err != nil {
		return nil, err
	}
	if !bundle {
		return []Demand{{SKU: sku, Quantity: qty}}, nil
	}
	return r.Resolve(ctx, sku, qty)
}

// isBundle treats SKUs missing from the catalog as plain items.
func (r *Resolver) isBundle(ctx context.Context, sku string) (bool, error) {
	item, err := r.catalog.GetItem(ctx, sku)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get item %s: %w", sku, err)
	}
	return item.IsBundle, nil
}
