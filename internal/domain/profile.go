package domain

// UserProfile is the subset of the account the pipeline gates on. It is owned
// by the external profile store and never mutated here.
type UserProfile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsSubscribed bool   `json:"isSubscribed"`
	Credits      int    `json:"credits"`
}

// UserContext is sent alongside an utterance so the dialogue service can
// personalise the answer.
type UserContext struct {
	UserName string
}

type Entitlement string

const (
	EntitlementAllowed              Entitlement = "allowed"
	EntitlementSubscriptionRequired Entitlement = "subscription_required"
	EntitlementOutOfCredits         Entitlement = "out_of_credits"
)

type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderApple  Provider = "apple"
)
