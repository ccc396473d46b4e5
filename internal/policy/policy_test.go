package policy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/roach88/receipts/internal/ir"
)

func record(typ ir.PurchaseType, state ir.PurchaseState, acked bool) ir.PurchaseRecord {
	return ir.PurchaseRecord{
		Token:        "t1",
		ProductID:    "p1",
		Type:         typ,
		State:        state,
		Acknowledged: acked,
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		record ir.PurchaseRecord
		finish bool
		want   Decision
	}{
		{"pending consumable", record(ir.PurchaseTypeConsumable, ir.PurchaseStatePending, false), true, Skip},
		{"unspecified subscription", record(ir.PurchaseTypeSubscription, ir.PurchaseStateUnspecified, false), true, Skip},
		{"observer consumable", record(ir.PurchaseTypeConsumable, ir.PurchaseStatePurchased, false), false, Skip},
		{"observer subscription", record(ir.PurchaseTypeSubscription, ir.PurchaseStatePurchased, false), false, Skip},
		{"consumable", record(ir.PurchaseTypeConsumable, ir.PurchaseStatePurchased, false), true, Consume},
		{"acknowledged consumable still consumed", record(ir.PurchaseTypeConsumable, ir.PurchaseStatePurchased, true), true, Consume},
		{"subscription", record(ir.PurchaseTypeSubscription, ir.PurchaseStatePurchased, false), true, Acknowledge},
		{"acknowledged subscription", record(ir.PurchaseTypeSubscription, ir.PurchaseStatePurchased, true), true, Skip},
		{"unknown type", record(ir.PurchaseType("durable"), ir.PurchaseStatePurchased, false), true, Skip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.record, tt.finish))
		})
	}
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "skip", Skip.String())
	assert.Equal(t, "consume", Consume.String())
	assert.Equal(t, "acknowledge", Acknowledge.String())
}

func TestDecision_Finalizes(t *testing.T) {
	assert.False(t, Skip.Finalizes())
	assert.True(t, Consume.Finalizes())
	assert.True(t, Acknowledge.Finalizes())
}

func TestPostable(t *testing.T) {
	assert.True(t, Postable(record(ir.PurchaseTypeConsumable, ir.PurchaseStatePurchased, false)))
	assert.False(t, Postable(record(ir.PurchaseTypeConsumable, ir.PurchaseStatePending, false)))
	assert.False(t, Postable(record(ir.PurchaseTypeConsumable, ir.PurchaseStateUnspecified, false)))
}

func genRecord() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(ir.PurchaseTypeConsumable, ir.PurchaseTypeSubscription),
		gen.OneConstOf(ir.PurchaseStatePurchased, ir.PurchaseStatePending, ir.PurchaseStateUnspecified),
		gen.Bool(),
	).Map(func(vals []interface{}) ir.PurchaseRecord {
		return record(vals[0].(ir.PurchaseType), vals[1].(ir.PurchaseState), vals[2].(bool))
	})
}

func TestDecide_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("pending purchases are never finalized", prop.ForAll(
		func(r ir.PurchaseRecord, finish bool) bool {
			if r.State == ir.PurchaseStatePurchased {
				return true
			}
			return Decide(r, finish) == Skip
		},
		genRecord(),
		gen.Bool(),
	))

	properties.Property("observer mode never finalizes", prop.ForAll(
		func(r ir.PurchaseRecord) bool {
			return !Decide(r, false).Finalizes()
		},
		genRecord(),
	))

	properties.Property("acknowledged subscriptions are never re-acknowledged", prop.ForAll(
		func(r ir.PurchaseRecord, finish bool) bool {
			if r.Type != ir.PurchaseTypeSubscription || !r.Acknowledged {
				return true
			}
			return Decide(r, finish) != Acknowledge
		},
		genRecord(),
		gen.Bool(),
	))

	properties.Property("consume only for consumables, acknowledge only for subscriptions", prop.ForAll(
		func(r ir.PurchaseRecord, finish bool) bool {
			switch Decide(r, finish) {
			case Consume:
				return r.Type == ir.PurchaseTypeConsumable
			case Acknowledge:
				return r.Type == ir.PurchaseTypeSubscription
			}
			return true
		},
		genRecord(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
