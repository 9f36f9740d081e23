package application

import "sally/internal/domain"

// CheckEntitlement gates a turn on a freshly loaded profile. The server
// re-checks on every dialogue call; this only saves a round trip.
func CheckEntitlement(profile domain.UserProfile) domain.Entitlement {
	if !profile.IsSubscribed {
		return domain.EntitlementSubscriptionRequired
	}
	if profile.Credits <= 0 {
		return domain.EntitlementOutOfCredits
	}
	return domain.EntitlementAllowed
}
