//go:build property
// +build property

// Property-based tests for canonical serialization determinism.
package canonical

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalDeterminism verifies Marshal(obj) == Marshal(obj) for any obj.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err1 := Marshal(obj)
			b2, err2 := Marshal(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("hash is insensitive to nesting shape changes that preserve value", prop.ForAll(
		func(key string, value string) bool {
			if key == "" {
				return true
			}
			inner := map[string]interface{}{key: value}
			h1, err1 := Hash(map[string]interface{}{"wrap": inner})
			h2, err2 := Hash(map[string]interface{}{"wrap": map[string]interface{}{key: value}})
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
