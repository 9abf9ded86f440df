package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultRateLimit  = 100
	DefaultQuotaDaily = 1000
)

// APIKey is a credential. Name is the principal identity that owns jobs.
// Raw keys are shown once at creation; only the bcrypt hash is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	RateLimit  int        `db:"rate_limit"   json:"rate_limit"`
	QuotaDaily int        `db:"quota_daily"  json:"quota_daily"`
	Active     bool       `db:"active"       json:"active"`
	Admin      bool       `db:"admin"        json:"admin"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// Principal is the authenticated caller of a request.
type Principal struct {
	KeyID      uuid.UUID
	Name       string
	RateLimit  int
	QuotaDaily int
	Admin      bool
}

// Principal returns the caller identity carried by k.
func (k *APIKey) Principal() Principal {
	return Principal{
		KeyID:      k.ID,
		Name:       k.Name,
		RateLimit:  k.RateLimit,
		QuotaDaily: k.QuotaDaily,
		Admin:      k.Admin,
	}
}

// CanAccess reports whether p may read or cancel a job owned by owner.
func (p Principal) CanAccess(owner string) bool {
	return p.Admin || p.Name == owner
}
