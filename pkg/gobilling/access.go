package gobilling

import (
	"context"
	"errors"
	"fmt"
)

// ErrTierRequired is returned when the active contract's tier is below the required tier
var ErrTierRequired = errors.New("subscription tier too low")

// StatusReader reads an entity's subscription status. Manager implements it.
type StatusReader interface {
	GetSubscriptionStatus(ctx context.Context, entityID string) (*SubscriptionStatus, error)
}

// AtLeast reports whether t ranks at or above min in the tier enumeration
func (t Tier) AtLeast(min Tier) bool {
	return tierRank(t) >= tierRank(min)
}

func tierRank(t Tier) int {
	for i, known := range allTiers {
		if t == known {
			return i
		}
	}
	return -1
}

// RequireTier returns the entity's subscription status if its active contract is on
// minimum or a higher tier. An entity without an active contract yields an error
// matching ErrNotFound; a lower tier yields ErrTierRequired.
func RequireTier(ctx context.Context, reader StatusReader, entityID string, minimum Tier) (*SubscriptionStatus, error) {
	status, err := reader.GetSubscriptionStatus(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if minimum != "" && !status.Contract.Tier.AtLeast(minimum) {
		return status, fmt.Errorf("%w: have %s, need %s", ErrTierRequired, status.Contract.Tier, minimum)
	}
	return status, nil
}
