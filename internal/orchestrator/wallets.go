// ABOUTME: Read access to the wallets created by keygen completion
// ABOUTME: Wallets are only ever listed for their owning principal

package orchestrator

import (
	"context"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
)

// ListWallets returns the caller's wallets, newest first.
func (s *Service) ListWallets(ctx context.Context, owner string) ([]*Wallet, error) {
	docs, err := s.store.Query(ctx, store.Query{
		Collection: store.CollectionWallets,
		Filters:    []store.Filter{{Field: "userId", Value: owner}},
		OrderBy:    store.FieldCreatedAt,
		Desc:       true,
	})
	if err != nil {
		return nil, dependency("listing wallets", err)
	}

	out := make([]*Wallet, 0, len(docs))
	for _, doc := range docs {
		var w Wallet
		if err := doc.Decode(&w); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, nil
}

// CountWallets returns how many wallets the caller owns.
func (s *Service) CountWallets(ctx context.Context, owner string) (int, error) {
	wallets, err := s.ListWallets(ctx, owner)
	if err != nil {
		return 0, err
	}
	return len(wallets), nil
}

// GetWallet returns one of the caller's wallets.
func (s *Service) GetWallet(ctx context.Context, id, owner string) (*Wallet, error) {
	var w Wallet
	if err := s.load(ctx, store.CollectionWallets, id, &w, CodeWalletNotFound, "Wallet not found"); err != nil {
		return nil, err
	}
	if err := assertOwner(&w, owner, CodeUnauthorized); err != nil {
		return nil, err
	}
	return &w, nil
}
