// Package catalog turns backend offering definitions into the catalog
// served to callers.
//
// Parse validates the backend JSON against an embedded CUE schema. Join
// attaches store product details to each package and drops packages whose
// product the store could not describe.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/receipts/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// cue.Context is not safe for concurrent use; schemaMu serializes Parse.
var (
	schemaMu   sync.Mutex
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaVal  cue.Value
	schemaErr  error
)

func catalogSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaCUE, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile catalog schema: %w", err)
			return
		}
		schemaVal = v.LookupPath(cue.ParsePath("#Catalog"))
	})
	return schemaCtx, schemaVal, schemaErr
}

// PackageDef is one package of an offering definition.
type PackageDef struct {
	Identifier string `json:"identifier"`
	ProductID  string `json:"platform_product_identifier"`
	Type       string `json:"product_type,omitempty"`
}

// OfferingDef is one offering definition.
type OfferingDef struct {
	Identifier  string       `json:"identifier"`
	Description string       `json:"description,omitempty"`
	Packages    []PackageDef `json:"packages"`
}

// Definition is the backend's offering hierarchy.
type Definition struct {
	CurrentOfferingID *string       `json:"current_offering_id,omitempty"`
	Offerings         []OfferingDef `json:"offerings"`
}

// ValidationError reports a catalog payload that does not match the schema.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid catalog: " + e.Message
}

// Parse validates and decodes a backend catalog payload.
func Parse(raw []byte) (Definition, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	ctx, schema, err := catalogSchema()
	if err != nil {
		return Definition{}, err
	}

	v := ctx.CompileBytes(raw, cue.Filename("catalog.json"))
	if err := v.Err(); err != nil {
		return Definition{}, &ValidationError{Message: errors.Details(err, nil)}
	}
	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Definition{}, &ValidationError{Message: errors.Details(err, nil)}
	}

	var def Definition
	if err := unified.Decode(&def); err != nil {
		return Definition{}, &ValidationError{Message: err.Error()}
	}
	return def, nil
}

// ProductIDs returns the product ids to look up, grouped by purchase type.
// Packages without a product type are looked up under every type.
func (d Definition) ProductIDs() map[ir.PurchaseType][]string {
	sets := make(map[ir.PurchaseType]map[string]struct{})
	add := func(t ir.PurchaseType, id string) {
		if sets[t] == nil {
			sets[t] = make(map[string]struct{})
		}
		sets[t][id] = struct{}{}
	}
	for _, o := range d.Offerings {
		for _, p := range o.Packages {
			if p.Type == "" {
				for _, t := range ir.PurchaseTypes {
					add(t, p.ProductID)
				}
				continue
			}
			t, err := ir.ParsePurchaseType(p.Type)
			if err != nil {
				continue
			}
			add(t, p.ProductID)
		}
	}

	out := make(map[ir.PurchaseType][]string, len(sets))
	for t, set := range sets {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[t] = ids
	}
	return out
}

// Package is a package with its store product details.
type Package struct {
	Identifier string         `json:"identifier"`
	Product    ir.ProductInfo `json:"product"`
}

// Offering is an offering whose packages all resolved to store products.
type Offering struct {
	Identifier  string    `json:"identifier"`
	Description string    `json:"description,omitempty"`
	Packages    []Package `json:"packages"`
}

// Offerings is the catalog served to callers.
type Offerings struct {
	CurrentOfferingID string     `json:"current_offering_id,omitempty"`
	Offerings         []Offering `json:"offerings"`
}

// Current returns the current offering.
func (o Offerings) Current() (Offering, bool) {
	for _, off := range o.Offerings {
		if off.Identifier == o.CurrentOfferingID {
			return off, true
		}
	}
	return Offering{}, false
}

// Join attaches store product details to the definition. products is keyed
// by product id. Packages without details are omitted, and so are offerings
// left without packages.
func Join(d Definition, products map[string]ir.ProductInfo) Offerings {
	out := Offerings{Offerings: []Offering{}}
	for _, od := range d.Offerings {
		off := Offering{Identifier: od.Identifier, Description: od.Description}
		for _, pd := range od.Packages {
			p, ok := products[pd.ProductID]
			if !ok {
				continue
			}
			off.Packages = append(off.Packages, Package{
				Identifier: pd.Identifier,
				Product:    p.WithOffering(od.Identifier),
			})
		}
		if len(off.Packages) > 0 {
			out.Offerings = append(out.Offerings, off)
		}
	}
	if d.CurrentOfferingID != nil {
		for _, off := range out.Offerings {
			if off.Identifier == *d.CurrentOfferingID {
				out.CurrentOfferingID = off.Identifier
				break
			}
		}
	}
	return out
}
