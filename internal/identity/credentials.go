package identity

import (
	"context"
	"errors"
	"time"

	"identra.org/internal/vault"
)

// VerifyCredentials checks a username and secret against the stored
// credential and classifies the result. The lockout gate runs before the
// secret comparison, so a locked account never reveals whether the secret
// was right.
func (s *Service) VerifyCredentials(ctx context.Context, tenantKey, username, secret string) (User, Outcome, error) {
	userKey := vault.ComputeKey(EntityUser, UserBusinessKey(tenantKey, username))
	user, err := s.user(ctx, userKey)
	if errors.Is(err, ErrNotFound) {
		// Burn a comparison anyway so unknown users cost the same as
		// known ones.
		CheckPassword(phantomHash, secret)
		return User{}, OutcomeInvalidUser, nil
	}
	if err != nil {
		return User{}, "", err
	}
	if !user.Profile.Active {
		return user, OutcomeInvalidUser, nil
	}

	cred, err := s.credential(ctx, userKey)
	if errors.Is(err, ErrNotFound) {
		return user, OutcomeInvalidUser, nil
	}
	if err != nil {
		return User{}, "", err
	}

	now := s.now().UTC()
	if cred.Locked && now.Before(cred.LockedUntil) {
		return user, OutcomeLocked, nil
	}
	if !CheckPassword(cred.SecretHash, secret) {
		return user, OutcomeInvalidPassword, nil
	}
	return user, OutcomeValid, nil
}

// phantomHash is a bcrypt hash of a random throwaway secret, compared against
// when the user does not exist to keep response timing uniform.
const phantomHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// RecordOutcome applies a validation outcome to the user's credential state
// atomically. Failed attempts increment a counter; reaching the tenant's
// lockout threshold locks the account for the lockout duration. A valid
// outcome resets the counter and stamps the login time.
func (s *Service) RecordOutcome(ctx context.Context, user User, outcome Outcome) error {
	if outcome != OutcomeValid && outcome != OutcomeInvalidPassword {
		return nil
	}
	policy, err := s.PolicyFor(ctx, user.TenantKey)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	_, err = s.store.Mutate(ctx, credentialKey(user.Key), func(current vault.Attributes) (vault.Attributes, error) {
		var cred Credential
		if current != nil {
			if err := fromAttrs(current, &cred); err != nil {
				return nil, err
			}
		}
		// An expired lock releases on the next recorded attempt and the
		// counter starts over.
		if cred.Locked && !now.Before(cred.LockedUntil) {
			cred.Locked = false
			cred.LockedUntil = time.Time{}
			cred.FailedAttempts = 0
		}
		switch outcome {
		case OutcomeValid:
			cred.FailedAttempts = 0
			cred.Locked = false
			cred.LockedUntil = time.Time{}
			cred.LastLoginAt = now
		case OutcomeInvalidPassword:
			if cred.Locked {
				return nil, nil
			}
			cred.FailedAttempts++
			if cred.FailedAttempts >= policy.LockoutThreshold {
				cred.Locked = true
				cred.LockedUntil = now.Add(policy.LockoutDuration)
			}
		}
		return attrsFrom(cred)
	})
	if errors.Is(err, vault.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// SetPassword replaces a user's secret. The lockout state resets since the
// old failure streak no longer applies to the new secret.
func (s *Service) SetPassword(ctx context.Context, userKey, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	_, err = s.store.Mutate(ctx, credentialKey(userKey), func(current vault.Attributes) (vault.Attributes, error) {
		var cred Credential
		if current != nil {
			if err := fromAttrs(current, &cred); err != nil {
				return nil, err
			}
		}
		cred.SecretHash = hash
		cred.FailedAttempts = 0
		cred.Locked = false
		cred.LockedUntil = time.Time{}
		return attrsFrom(cred)
	})
	if errors.Is(err, vault.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
