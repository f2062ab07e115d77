package pki

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/ironca/storage"
)

// maxChainDepth bounds issuer walks so a corrupted store cannot loop forever.
const maxChainDepth = 64

// Resolver answers access and chain questions by walking issuer links.
// It holds no state beyond the repository and clock.
type Resolver struct {
	repo storage.Repository
	now  func() time.Time
}

// NewResolver returns a Resolver over repo. A nil now uses time.Now.
func NewResolver(repo storage.Repository, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{repo: repo, now: now}
}

// IsValidNow reports whether c is unrevoked and inside its validity window.
func (r *Resolver) IsValidNow(c *Certificate) bool {
	return c.IsValidAt(r.now())
}

// CanAccess reports whether p is an administrator, owns c, or owns any
// ancestor of c.
func (r *Resolver) CanAccess(ctx context.Context, p Principal, c *Certificate) (bool, error) {
	if p.IsAdmin() {
		return true, nil
	}
	if p.ID == "" {
		return false, nil
	}
	found := false
	err := r.walk(ctx, c, func(cur *Certificate) bool {
		found = cur.OwnerID == p.ID
		return !found
	})
	return found, err
}

// CanIssueFrom reports whether p may sign new certificates with issuer.
func (r *Resolver) CanIssueFrom(ctx context.Context, p Principal, issuer *Certificate) (bool, error) {
	if r.checkUsable(issuer) != nil {
		return false, nil
	}
	return r.CanAccess(ctx, p, issuer)
}

// checkUsable returns ErrIssuerNotUsable unless issuer is CA-capable,
// unrevoked and currently valid.
func (r *Resolver) checkUsable(issuer *Certificate) error {
	switch {
	case !issuer.Type.IsCA() || !issuer.IsCA:
		return fmt.Errorf("%w: %s is not a CA certificate", ErrIssuerNotUsable, issuer.ID)
	case issuer.Revoked:
		return fmt.Errorf("%w: %s is revoked", ErrIssuerNotUsable, issuer.ID)
	case !r.IsValidNow(issuer):
		return fmt.Errorf("%w: %s is outside its validity window", ErrIssuerNotUsable, issuer.ID)
	}
	return nil
}

// ResolveChain returns c followed by each issuer up to its root.
func (r *Resolver) ResolveChain(ctx context.Context, c *Certificate) ([]*Certificate, error) {
	var chain []*Certificate
	err := r.walk(ctx, c, func(cur *Certificate) bool {
		chain = append(chain, cur)
		return true
	})
	if err != nil {
		return nil, err
	}
	if last := chain[len(chain)-1]; last.Type != CertTypeRoot {
		return nil, fmt.Errorf("%w: chain of %s ends at non-root %s", ErrChainBroken, c.ID, last.ID)
	}
	return chain, nil
}

// walk visits c and then each issuer until visit returns false or a
// certificate without an issuer is reached.
func (r *Resolver) walk(ctx context.Context, c *Certificate, visit func(*Certificate) bool) error {
	seen := make(map[string]bool)
	cur := c
	for depth := 0; ; depth++ {
		if seen[cur.ID] || depth >= maxChainDepth {
			return fmt.Errorf("%w: issuer loop at %s", ErrChainBroken, cur.ID)
		}
		seen[cur.ID] = true
		if !visit(cur) || cur.IssuerID == "" {
			return nil
		}
		rec, err := r.repo.Get(ctx, cur.IssuerID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: issuer %s of %s is missing", ErrChainBroken, cur.IssuerID, cur.ID)
		}
		if err != nil {
			return err
		}
		cur = certificateFromRecord(rec)
	}
}

// accessIndex answers CanAccess for many certificates at once from a full
// listing, memoising each subtree's answer.
type accessIndex struct {
	byID map[string]*Certificate
	memo map[string]bool
	p    Principal
}

func newAccessIndex(all []*Certificate, p Principal) *accessIndex {
	byID := make(map[string]*Certificate, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}
	return &accessIndex{byID: byID, memo: make(map[string]bool), p: p}
}

func (ix *accessIndex) canAccess(c *Certificate) bool {
	if ix.p.IsAdmin() {
		return true
	}
	if ix.p.ID == "" {
		return false
	}
	var path []string
	result := false
	cur := c
	for depth := 0; cur != nil && depth < maxChainDepth; depth++ {
		if v, ok := ix.memo[cur.ID]; ok {
			result = v
			break
		}
		path = append(path, cur.ID)
		if cur.OwnerID == ix.p.ID {
			result = true
			break
		}
		if cur.IssuerID == "" {
			break
		}
		cur = ix.byID[cur.IssuerID]
	}
	for _, id := range path {
		ix.memo[id] = result
	}
	return result
}
