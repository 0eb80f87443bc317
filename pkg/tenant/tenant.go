// Package tenant models the multi-level isolation boundary (business →
// branch) enforced on every kernel read and write.
package tenant

// Context is the active tenant scope of a request. Any concrete
// implementation satisfying the method set is usable — the kernel never
// requires a declared relationship.
type Context interface {
	// BusinessID is the tenant boundary. Mandatory.
	BusinessID() string
	// BranchID is the optional sub-tenant scope; empty when the context
	// is business-wide.
	BranchID() string
	// IsActive reports whether the context may be written against.
	IsActive() bool
}

// ScopeRequirement declares how much tenant scope an operation demands.
type ScopeRequirement string

const (
	// ScopeBusiness requires only an active business context.
	ScopeBusiness ScopeRequirement = "BUSINESS"
	// ScopeBranch additionally requires a branch consistent with the context.
	ScopeBranch ScopeRequirement = "BRANCH"
)

// StaticContext is a plain-value Context used at bootstrap and in tests.
type StaticContext struct {
	Business string
	Branch   string
	Active   bool
}

func (c StaticContext) BusinessID() string { return c.Business }
func (c StaticContext) BranchID() string   { return c.Branch }
func (c StaticContext) IsActive() bool     { return c.Active }
