package catalog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receipts/internal/ir"
)

const definitionJSON = `{
	"current_offering_id": "default",
	"offerings": [
		{
			"identifier": "default",
			"description": "Standard",
			"packages": [
				{"identifier": "$rc_monthly", "platform_product_identifier": "pro_monthly", "product_type": "subscription"},
				{"identifier": "gems", "platform_product_identifier": "gems_100", "product_type": "inapp"},
				{"identifier": "lifetime", "platform_product_identifier": "pro_lifetime"}
			],
			"metadata": {"color": "blue"}
		},
		{
			"identifier": "promo",
			"packages": [
				{"identifier": "$rc_annual", "platform_product_identifier": "pro_annual", "product_type": "subs"}
			]
		}
	]
}`

func TestParse_Valid(t *testing.T) {
	def, err := Parse([]byte(definitionJSON))
	require.NoError(t, err)

	require.NotNil(t, def.CurrentOfferingID)
	assert.Equal(t, "default", *def.CurrentOfferingID)
	require.Len(t, def.Offerings, 2)
	assert.Len(t, def.Offerings[0].Packages, 3)
	assert.Equal(t, "pro_monthly", def.Offerings[0].Packages[0].ProductID)
}

func TestParse_NullCurrentOffering(t *testing.T) {
	def, err := Parse([]byte(`{"current_offering_id": null, "offerings": []}`))
	require.NoError(t, err)
	assert.Nil(t, def.CurrentOfferingID)
	assert.Empty(t, def.Offerings)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"offerings": [`},
		{"missing offerings", `{}`},
		{"empty identifier", `{"offerings": [{"identifier": "", "packages": []}]}`},
		{"missing product id", `{"offerings": [{"identifier": "o", "packages": [{"identifier": "p"}]}]}`},
		{"unknown product type", `{"offerings": [{"identifier": "o", "packages": [{"identifier": "p", "platform_product_identifier": "x", "product_type": "gift"}]}]}`},
		{"wrong type", `{"offerings": "none"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestDefinition_ProductIDs(t *testing.T) {
	def, err := Parse([]byte(definitionJSON))
	require.NoError(t, err)

	ids := def.ProductIDs()
	assert.Equal(t, []string{"pro_annual", "pro_lifetime", "pro_monthly"}, ids[ir.PurchaseTypeSubscription])
	assert.Equal(t, []string{"gems_100", "pro_lifetime"}, ids[ir.PurchaseTypeConsumable])
}

func TestJoin_OmitsUnresolvedProducts(t *testing.T) {
	def, err := Parse([]byte(definitionJSON))
	require.NoError(t, err)

	products := map[string]ir.ProductInfo{
		"pro_monthly": {ProductID: "pro_monthly", Type: ir.PurchaseTypeSubscription, PriceMicros: 4990000, Currency: "USD"},
		"gems_100":    {ProductID: "gems_100", Type: ir.PurchaseTypeConsumable},
	}
	got := Join(def, products)

	assert.Equal(t, "default", got.CurrentOfferingID)
	require.Len(t, got.Offerings, 1, "promo has no resolved packages")

	current, ok := got.Current()
	require.True(t, ok)
	require.Len(t, current.Packages, 2)
	assert.Equal(t, "$rc_monthly", current.Packages[0].Identifier)
	assert.Equal(t, "default", current.Packages[0].Product.OfferingID)
	assert.Equal(t, int64(4990000), current.Packages[0].Product.PriceMicros)
}

func TestJoin_CurrentOfferingDropped(t *testing.T) {
	def, err := Parse([]byte(definitionJSON))
	require.NoError(t, err)

	got := Join(def, map[string]ir.ProductInfo{
		"pro_annual": {ProductID: "pro_annual", Type: ir.PurchaseTypeSubscription},
	})
	assert.Empty(t, got.CurrentOfferingID)
	_, ok := got.Current()
	assert.False(t, ok)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"offerings": [{"identifier": "promo", "packages": [{"identifier": "$rc_annual", "product": {"product_id": "pro_annual", "type": "subscription", "offering_id": "promo"}}]}]}`, string(data))
}
