package validation

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/communergy/trusted-entity/internal/domain"
	"github.com/communergy/trusted-entity/internal/session"
	"github.com/communergy/trusted-entity/internal/token"
)

var (
	ErrBadRequest   = errors.New("missing validation token")
	ErrUnauthorized = errors.New("invalid or expired validation token")
)

// ProofClient is the outbound dependency on the proof-computation service.
type ProofClient interface {
	Validate(ctx context.Context, recordID uuid.UUID) (*domain.ValidationResult, error)
}

// Outcome tells the transport layer how to answer a successful validation:
// which session cookie to set and which record id to put in the redirect
// target. The proof itself never rides the redirect.
type Outcome struct {
	SessionID      string
	EnergyRecordID uuid.UUID
	CookieMaxAge   int
}

// Service orchestrates one validation request: verify the token, find or
// create the caller's session, fetch the proof, cache it.
type Service struct {
	verifier *token.Verifier
	store    session.Store
	proof    ProofClient
	ttl      time.Duration

	now func() time.Time
}

func NewService(verifier *token.Verifier, store session.Store, proof ProofClient, ttl time.Duration) *Service {
	return &Service{
		verifier: verifier,
		store:    store,
		proof:    proof,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Validate handles a community-issued token end to end. Verifier failures
// all collapse into ErrUnauthorized toward the caller; the distinction is
// logged server-side only, so the error channel cannot be used as an oracle
// on the token format.
func (s *Service) Validate(ctx context.Context, tokenString string) (*Outcome, error) {
	if tokenString == "" {
		return nil, ErrBadRequest
	}

	claims, err := s.verifier.Verify(tokenString)
	if err != nil {
		log.Printf("[VALIDATE] Token rejected: %v", err)
		return nil, ErrUnauthorized
	}
	if !claims.ExpiresAt.After(s.now()) {
		log.Printf("[VALIDATE] Token for record %s expired at %s", claims.EnergyRecordID, claims.ExpiresAt)
		return nil, ErrUnauthorized
	}

	sess, err := s.store.GetOrCreate(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}

	// The store lock is not held here: the session was resolved above and the
	// result is written in a separate store call, so one slow proof call
	// never blocks unrelated sessions.
	result, err := s.proof.Validate(ctx, claims.EnergyRecordID)
	if err != nil {
		log.Printf("[VALIDATE] Proof service failed for record %s: %v", claims.EnergyRecordID, err)
		return nil, err
	}

	if err := s.store.RecordResult(ctx, sess.ID, claims.EnergyRecordID, *result); err != nil {
		return nil, err
	}

	return &Outcome{
		SessionID:      sess.ID,
		EnergyRecordID: claims.EnergyRecordID,
		CookieMaxAge:   int(s.ttl.Seconds()),
	}, nil
}

// Display is the read path behind the post-redirect page load. It performs
// no network calls; everything it returns was cached by Validate.
func (s *Service) Display(ctx context.Context, sessionID string, recordID uuid.UUID) (*domain.ValidationResult, error) {
	return s.store.FetchResult(ctx, sessionID, recordID)
}

// SetClock overrides the service's time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}
