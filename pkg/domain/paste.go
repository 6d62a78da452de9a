package domain

import (
	"time"
)

// Paste is the durable record. The store owns ID, slug uniqueness and the
// view counter; everything else is immutable after creation.
type Paste struct {
	ID           int64                  `json:"-"`
	Slug         string                 `json:"slug"`
	Content      string                 `json:"content"`
	Language     string                 `json:"language"`
	OwnerID      string                 `json:"owner_id,omitempty"`
	ClientIPHash string                 `json:"-"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	Views        int64                  `json:"views"`
	LastViewedAt *time.Time             `json:"-"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Expired reports whether the paste is past its expiry at t.
// A nil ExpiresAt means the paste never expires.
func (p *Paste) Expired(t time.Time) bool {
	return p.ExpiresAt != nil && t.After(*p.ExpiresAt)
}

// Projection is the cached view of a paste. Views carries the store's counter
// as observed when the entry was filled; it is advisory, never written back.
type Projection struct {
	Content   string     `json:"content"`
	Language  string     `json:"language"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Views     int64      `json:"views"`
}

func (pr *Projection) Expired(t time.Time) bool {
	return pr.ExpiresAt != nil && t.After(*pr.ExpiresAt)
}

// Project returns the cacheable view of p.
func (p *Paste) Project() *Projection {
	return &Projection{
		Content:   p.Content,
		Language:  p.Language,
		CreatedAt: p.CreatedAt,
		ExpiresAt: p.ExpiresAt,
		Views:     p.Views,
	}
}

type CreateParams struct {
	Content      string
	Language     string
	ExpiresIn    string
	OwnerID      string
	ClientIPHash string
	Metadata     map[string]interface{}
}

// Expiry selectors accepted on create.
const (
	ExpireHour  = "1h"
	ExpireDay   = "1d"
	ExpireWeek  = "7d"
	ExpireNever = "never"
)

// DefaultExpiresIn applies when the selector is omitted.
const DefaultExpiresIn = ExpireWeek

// ResolveExpiry turns a selector into an absolute expiry. A nil result means
// the paste never expires; whether the caller may request that is a policy
// decision made elsewhere.
func ResolveExpiry(selector string, now time.Time) (*time.Time, error) {
	if selector == "" {
		selector = DefaultExpiresIn
	}
	var d time.Duration
	switch selector {
	case ExpireHour:
		d = time.Hour
	case ExpireDay:
		d = 24 * time.Hour
	case ExpireWeek:
		d = 7 * 24 * time.Hour
	case ExpireNever:
		return nil, nil
	default:
		return nil, ErrInvalidExpiry
	}
	t := now.Add(d)
	return &t, nil
}
