package model

import (
	"slices"
	"time"
)

// Plan is a tenant's subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

const (
	mib = int64(1) << 20
	gib = int64(1) << 30
)

// planLimits fixes the default quota values for each plan.
var planLimits = map[Plan]Limits{
	PlanFree:       {MaxFileSize: 5 * mib, MaxImagesPerMonth: 100, MaxStorageBytes: 1 * gib},
	PlanBasic:      {MaxFileSize: 10 * mib, MaxImagesPerMonth: 1000, MaxStorageBytes: 10 * gib},
	PlanPremium:    {MaxFileSize: 25 * mib, MaxImagesPerMonth: 10000, MaxStorageBytes: 100 * gib},
	PlanEnterprise: {MaxFileSize: 50 * mib, MaxImagesPerMonth: 100000, MaxStorageBytes: 1024 * gib},
}

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	_, ok := planLimits[p]
	return ok
}

// DefaultLimits returns the plan's quota defaults. Unknown plans get the free tier.
func (p Plan) DefaultLimits() Limits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// Limits are a tenant's quota ceilings.
type Limits struct {
	MaxFileSize       int64 `json:"maxFileSize"`
	MaxImagesPerMonth int64 `json:"maxImagesPerMonth"`
	MaxStorageBytes   int64 `json:"maxStorageBytes"`
}

// Usage holds a tenant's accumulated counters. TotalImages and
// TotalStorageUsed never decrease; MonthlyUploads is zeroed at the first
// ledger touch in a new calendar month.
type Usage struct {
	TotalImages      int64     `json:"totalImages"`
	TotalStorageUsed int64     `json:"totalStorageUsed"`
	MonthlyUploads   int64     `json:"monthlyUploads"`
	LastResetDate    time.Time `json:"lastResetDate"`
}

// Format is an accepted image encoding.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

// AllFormats is the closed set of accepted upload formats.
var AllFormats = []Format{FormatJPEG, FormatPNG, FormatWebP}

// MIMEType returns the content type for f.
func (f Format) MIMEType() string {
	return "image/" + string(f)
}

// FormatFromMIME maps a declared content type to a Format.
func FormatFromMIME(mime string) (Format, bool) {
	switch mime {
	case "image/jpeg", "image/jpg":
		return FormatJPEG, true
	case "image/png":
		return FormatPNG, true
	case "image/webp":
		return FormatWebP, true
	}
	return "", false
}

// Settings are tenant-controlled preferences.
type Settings struct {
	// PublicAccess allows assets to be derived public. When false every
	// asset is created private.
	PublicAccess   bool     `json:"publicAccess"`
	DefaultQuality int      `json:"defaultQuality"`
	AllowedFormats []Format `json:"allowedFormats"`
}

// AllowsFormat reports whether f is in the tenant's allowed set.
func (s Settings) AllowsFormat(f Format) bool {
	return slices.Contains(s.AllowedFormats, f)
}

// Session is an outstanding refresh-token identifier.
type Session struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Tenant is a registered application owning a namespace of assets.
type Tenant struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Domain     string    `json:"domain"`
	APIKey     string    `json:"apiKey"`
	SecretHash string    `json:"-"`
	Plan       Plan      `json:"plan"`
	Limits     Limits    `json:"limits"`
	Usage      Usage     `json:"usage"`
	Settings   Settings  `json:"settings"`
	Sessions   []Session `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// HasSession reports whether id is an unexpired session at now.
func (t *Tenant) HasSession(id string, now time.Time) bool {
	for _, s := range t.Sessions {
		if s.ID == id && now.Before(s.ExpiresAt) {
			return true
		}
	}
	return false
}

// AddSession appends a session, dropping expired entries and evicting the
// oldest ones so that at most max remain.
func (t *Tenant) AddSession(s Session, max int, now time.Time) {
	live := make([]Session, 0, len(t.Sessions)+1)
	for _, cur := range t.Sessions {
		if now.Before(cur.ExpiresAt) {
			live = append(live, cur)
		}
	}
	live = append(live, s)
	if len(live) > max {
		live = live[len(live)-max:]
	}
	t.Sessions = live
}

// RemoveSession drops the session with the given id.
func (t *Tenant) RemoveSession(id string) bool {
	for i, s := range t.Sessions {
		if s.ID == id {
			t.Sessions = slices.Delete(t.Sessions, i, i+1)
			return true
		}
	}
	return false
}
