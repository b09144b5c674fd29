package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValidationClaims are the verified contents of a community-issued validation
// token. They are only ever produced by successful signature verification,
// never decoded from untrusted input directly.
type ValidationClaims struct {
	UserID         uuid.UUID
	EnergyRecordID uuid.UUID
	ExpiresAt      time.Time
}

// EnergyRecord is the denormalized record snapshot the proof service may
// attach to a validation response. Money fields are exact decimals; the
// upstream serializes them as JSON numbers, which decimal.Decimal accepts
// without going through a float.
type EnergyRecord struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"userId"`
	CommunityID   uuid.UUID       `json:"communityId"`
	Generated     decimal.Decimal `json:"generated"`
	Consumed      decimal.Decimal `json:"consumed"`
	ConsumerPrice decimal.Decimal `json:"consumerPrice"`
	SellerPrice   decimal.Decimal `json:"sellerPrice"`
	Start         string          `json:"start"`
}

// ValidationResult is the cached outcome of validating one energy record.
// Once written for a (session, record) pair it is immutable; a re-validation
// replaces it wholesale.
type ValidationResult struct {
	Proof  string        `json:"proof"`
	Cost   string        `json:"cost"` // exact decimal string, never a float
	Record *EnergyRecord `json:"energyRecord,omitempty"`
}

// Session is one user's active validation context. Sessions are owned by the
// store; callers always receive copies and interact by session id.
type Session struct {
	ID        string
	UserID    uuid.UUID
	ExpiresAt time.Time
	Results   map[uuid.UUID]ValidationResult
}
