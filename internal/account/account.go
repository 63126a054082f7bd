package account

import "context"

// Identity is bound to a connection after a successful token exchange.
// Guests never get one.
type Identity struct {
	UserID   string
	Username string
}

// Profile is the public record of a registered player.
type Profile struct {
	UserID   string
	Username string
	Rank     int
}

// Service is the narrow view of the external account store. Calls may hit
// the network; callers run them off the coordinator's lock.
type Service interface {
	// Authenticate resolves a session token into an identity.
	Authenticate(ctx context.Context, token string) (*Identity, error)
	// Profile loads a player's public profile.
	Profile(ctx context.Context, userID string) (*Profile, error)
	// Friends returns the user ids of accepted friends.
	Friends(ctx context.Context, userID string) ([]string, error)
}
