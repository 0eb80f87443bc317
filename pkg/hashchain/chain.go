// Package hashchain computes and verifies the per-tenant SHA-256 hash chain
// that makes silent history tampering detectable.
//
// Each event's hash covers its canonical payload plus the previous event's
// hash; the first event in a tenant's history links to the GENESIS sentinel.
// Verification is explicit accept/reject — a broken link is never corrected,
// reordered, or silently accepted.
package hashchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/stratum-os/kernel/pkg/canonical"
)

// Genesis is the previous-hash sentinel for the first event of a tenant.
const Genesis = "GENESIS"

// ErrChainBroken means the supplied previous hash does not match the
// tenant's current chain head.
type ErrChainBroken struct {
	BusinessID string
	Expected   string
	Actual     string
}

func (e *ErrChainBroken) Error() string {
	return fmt.Sprintf("hash chain broken for business %s: head is %s, got previous_event_hash %s",
		e.BusinessID, e.Expected, e.Actual)
}

// ErrHashMismatch means the supplied event hash does not match the hash
// recomputed from the payload and previous hash.
type ErrHashMismatch struct {
	Expected string
	Actual   string
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("event hash mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// HeadResolver looks up the current chain head hash for a tenant.
// An empty history resolves to Genesis.
type HeadResolver interface {
	ChainHead(ctx context.Context, businessID string) (string, error)
}

// ComputeEventHash returns the lowercase hex SHA-256 over the canonical
// serialization of payload concatenated with previousHash. Pure and
// deterministic: permuting payload key order does not change the result.
func ComputeEventHash(payload map[string]interface{}, previousHash string) (string, error) {
	b, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hashchain: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(append(b, previousHash...))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyLink checks a proposed (previousHash, payload, eventHash) triple
// against the tenant's current chain head. It returns *ErrChainBroken when
// previousHash is stale and *ErrHashMismatch when eventHash does not
// re-derive from the payload.
func VerifyLink(ctx context.Context, heads HeadResolver, businessID, previousHash string, payload map[string]interface{}, eventHash string) error {
	head, err := heads.ChainHead(ctx, businessID)
	if err != nil {
		return fmt.Errorf("hashchain: resolve head for business %s: %w", businessID, err)
	}
	if previousHash != head {
		return &ErrChainBroken{BusinessID: businessID, Expected: head, Actual: previousHash}
	}

	expected, err := ComputeEventHash(payload, previousHash)
	if err != nil {
		return err
	}
	if eventHash != expected {
		return &ErrHashMismatch{Expected: expected, Actual: eventHash}
	}
	return nil
}
