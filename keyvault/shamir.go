package keyvault

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// SplitSecret splits secret into parts shares, any threshold of which
// reconstruct it.
func SplitSecret(secret []byte, parts, threshold int) ([]interfaces.Share, error) {
	if len(secret) == 0 {
		return nil, errors.New("cannot split an empty secret")
	}

	raw, err := shamir.Split(secret, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	shares := make([]interfaces.Share, len(raw))
	for i, part := range raw {
		// The last byte of a part is its x coordinate
		shares[i] = interfaces.Share{Index: part[len(part)-1], Payload: part}
	}
	return shares, nil
}

// CombineShares reconstructs a secret from shares produced by SplitSecret.
func CombineShares(shares []interfaces.Share) ([]byte, error) {
	parts := make([][]byte, len(shares))
	for i, share := range shares {
		parts[i] = share.Payload
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return secret, nil
}
