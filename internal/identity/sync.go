package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/netsight-io/netsight/internal/apperr"
	"github.com/netsight-io/netsight/internal/store"
)

// SyncResult reports what SyncProviderUser did.
type SyncResult struct {
	UserID  int64
	Created bool
	Updated bool
}

// Syncer reconciles external identity claims with local users.
type Syncer struct {
	users  *store.Users
	links  *store.ProviderLinks
	logger zerolog.Logger
}

func NewSyncer(users *store.Users, links *store.ProviderLinks, logger zerolog.Logger) *Syncer {
	return &Syncer{
		users:  users,
		links:  links,
		logger: logger.With().Str("component", "identity_sync").Logger(),
	}
}

// SyncProviderUser maps provider claims to a local user:
//
//  1. An existing provider link resolves directly; mutable profile fields
//     are refreshed when they differ.
//  2. Otherwise a case-insensitive email match links the provider identity
//     to the existing account.
//  3. Otherwise, when createIfMissing, a new user is allocated with a unique
//     username. A unique-violation race falls back to the email match.
//  4. Otherwise no user resolves.
//
// Calling twice with the same claims is idempotent: the second call returns
// the same user with Created=false.
func (s *Syncer) SyncProviderUser(ctx context.Context, claims *IdentityClaims, createIfMissing bool) (*SyncResult, error) {
	if claims == nil || claims.ProviderUserID == "" {
		return nil, apperr.E(apperr.Validation, "Provider claims are incomplete")
	}

	// Step 1: resolve via an existing link.
	link, err := s.links.Find(ctx, claims.Provider, claims.ProviderUserID)
	if err == nil {
		updated, err := s.refreshProfile(ctx, link.UserID, claims)
		if err != nil {
			return nil, err
		}
		return &SyncResult{UserID: link.UserID, Updated: updated}, nil
	}
	if apperr.KindOf(err) != apperr.NotFound {
		return nil, err
	}

	// Step 2: link by email.
	if result, err := s.linkByEmail(ctx, claims); err != nil || result != nil {
		return result, err
	}

	// Step 3: allocate a new user.
	if !createIfMissing {
		return nil, nil
	}

	result, err := s.createUser(ctx, claims)
	if err == nil {
		return result, nil
	}
	if apperr.KindOf(err) != apperr.Conflict {
		return nil, err
	}

	// Unique-constraint race: another request created the user between our
	// lookup and insert. Retry the email match.
	s.logger.Info().
		Str("provider", string(claims.Provider)).
		Str("provider_user_id", claims.ProviderUserID).
		Msg("User creation raced, retrying email match")
	result, err = s.linkByEmail(ctx, claims)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, apperr.E(apperr.Conflict, "Identity sync conflict could not be resolved")
	}
	return result, nil
}

// refreshProfile updates avatar and names when the provider's copy differs.
func (s *Syncer) refreshProfile(ctx context.Context, userID int64, claims *IdentityClaims) (bool, error) {
	user, err := s.users.ByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if user.AvatarURL == claims.AvatarURL &&
		user.FirstName == claims.FirstName &&
		user.LastName == claims.LastName {
		return false, nil
	}
	if err := s.users.UpdateProfile(ctx, userID, claims.AvatarURL, claims.FirstName, claims.LastName); err != nil {
		return false, err
	}
	return true, nil
}

// linkByEmail looks up a user by the claimed email (case-insensitive) and
// creates the provider link. Returns (nil, nil) when no email or no match.
func (s *Syncer) linkByEmail(ctx context.Context, claims *IdentityClaims) (*SyncResult, error) {
	if claims.Email == "" {
		return nil, nil
	}

	user, err := s.users.ByEmail(ctx, claims.Email)
	if apperr.KindOf(err) == apperr.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	err = s.links.Create(ctx, &store.ProviderLink{
		UserID:         user.ID,
		Provider:       claims.Provider,
		ProviderUserID: claims.ProviderUserID,
	})
	// Concurrent sync may have created the identical link; resolving to the
	// same user is the correct outcome either way.
	if err != nil && apperr.KindOf(err) != apperr.Conflict {
		return nil, err
	}

	return &SyncResult{UserID: user.ID, Updated: true}, nil
}

// createUser allocates a user with a unique username derived from the email
// local-part (or the provider id), then links the provider identity.
func (s *Syncer) createUser(ctx context.Context, claims *IdentityClaims) (*SyncResult, error) {
	base := usernameBase(claims)

	username := base
	for suffix := 2; ; suffix++ {
		_, err := s.users.ByUsername(ctx, username)
		if apperr.KindOf(err) == apperr.NotFound {
			break
		}
		if err != nil {
			return nil, err
		}
		username = fmt.Sprintf("%s-%d", base, suffix)
	}

	user := &store.User{
		Username:  username,
		Email:     strings.ToLower(claims.Email),
		Role:      store.RoleMember,
		Verified:  true, // the provider verified the email
		Active:    true,
		Timezone:  "UTC",
		AvatarURL: claims.AvatarURL,
		FirstName: claims.FirstName,
		LastName:  claims.LastName,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	if err := s.links.Create(ctx, &store.ProviderLink{
		UserID:         user.ID,
		Provider:       claims.Provider,
		ProviderUserID: claims.ProviderUserID,
	}); err != nil && apperr.KindOf(err) != apperr.Conflict {
		return nil, err
	}

	s.logger.Info().
		Int64("user_id", user.ID).
		Str("username", username).
		Str("provider", string(claims.Provider)).
		Msg("Created user from provider identity")

	return &SyncResult{UserID: user.ID, Created: true}, nil
}

// usernameBase derives the starting username: email local-part when present,
// otherwise provider-qualified id.
func usernameBase(claims *IdentityClaims) string {
	if claims.Username != "" {
		return sanitizeUsername(claims.Username)
	}
	if claims.Email != "" {
		if at := strings.Index(claims.Email, "@"); at > 0 {
			return sanitizeUsername(claims.Email[:at])
		}
	}
	return sanitizeUsername(string(claims.Provider) + "-" + claims.ProviderUserID)
}

func sanitizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}
