package eventtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("retail.sale.recorded"))
	require.NoError(t, r.Register("retail.sale.recorded")) // idempotent

	assert.True(t, r.IsRegistered("retail.sale.recorded"))
	assert.False(t, r.IsRegistered("retail.sale.voided"))
}

func TestRegisterRejectsMalformedTypes(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register("freetext"))
	assert.Error(t, r.Register("retail.sale"))
	assert.Error(t, r.Register("retail..recorded"))
}

func TestTypesSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("wallet.topup.completed"))
	require.NoError(t, r.Register("retail.sale.recorded"))

	assert.Equal(t, []string{"retail.sale.recorded", "wallet.topup.completed"}, r.Types())
}

const saleSchema = `{
	"type": "object",
	"required": ["sku", "qty"],
	"properties": {
		"sku": {"type": "string"},
		"qty": {"type": "integer", "minimum": 1}
	}
}`

func TestSchemaValidation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("retail.sale.recorded"))
	require.NoError(t, r.RegisterSchema("retail.sale.recorded", 1, saleSchema))

	assert.NoError(t, r.ValidatePayload("retail.sale.recorded", 1, map[string]interface{}{
		"sku": "A-1", "qty": 2,
	}))

	err := r.ValidatePayload("retail.sale.recorded", 1, map[string]interface{}{
		"sku": "A-1",
	})
	assert.Error(t, err)

	// Unschema'd version carries no constraint.
	assert.NoError(t, r.ValidatePayload("retail.sale.recorded", 2, map[string]interface{}{}))
}

func TestSchemaRequiresRegisteredType(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.RegisterSchema("ghost.sale.recorded", 1, saleSchema))
	assert.Error(t, r.RegisterSchema("retail.sale.recorded", 0, saleSchema))
}

func TestSchemaCompileFailure(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("retail.sale.recorded"))
	assert.Error(t, r.RegisterSchema("retail.sale.recorded", 1, `{"type": 42}`))
}
