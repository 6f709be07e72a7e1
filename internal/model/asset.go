package model

import (
	"slices"
	"time"
)

// Size names of the fixed variant table.
const (
	SizeThumbnail = "thumbnail"
	SizeSmall     = "small"
	SizeMedium    = "medium"
	SizeLarge     = "large"
	SizeOriginal  = "original"
)

// DefaultCategory is assigned when an upload carries no category.
const DefaultCategory = "uncategorized"

// SizeNames lists every size in ascending order, original last.
var SizeNames = []string{SizeThumbnail, SizeSmall, SizeMedium, SizeLarge, SizeOriginal}

// ValidSize reports whether name is in the fixed size table.
func ValidSize(name string) bool {
	return slices.Contains(SizeNames, name)
}

// VariantEntry describes one stored rendition of an asset. Width and Height
// are nil for the original entry; callers fall back to the asset's own
// dimensions.
type VariantEntry struct {
	Handle string `json:"handle"`
	Size   int64  `json:"size"`
	Width  *int   `json:"width"`
	Height *int   `json:"height"`
	Format string `json:"format"`
}

// VariantManifest maps size names to stored renditions.
type VariantManifest map[string]VariantEntry

// Handles returns every blob handle referenced by the manifest.
func (m VariantManifest) Handles() []string {
	out := make([]string, 0, len(m))
	for _, name := range SizeNames {
		if e, ok := m[name]; ok && e.Handle != "" {
			out = append(out, e.Handle)
		}
	}
	return out
}

// AssetVersion is an archived snapshot taken before the bytes of an asset
// are replaced.
type AssetVersion struct {
	Filename   string          `json:"filename"`
	Handle     string          `json:"handle"`
	Variants   VariantManifest `json:"variants"`
	ArchivedAt time.Time       `json:"archivedAt"`
}

// Asset is the catalog record of one uploaded image.
type Asset struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	OriginalName   string          `json:"originalName"`
	Filename       string          `json:"filename"`
	MimeType       string          `json:"mimeType"`
	Size           int64           `json:"size"`
	Width          int             `json:"width"`
	Height         int             `json:"height"`
	HasAlpha       bool            `json:"hasAlpha"`
	Format         string          `json:"format"`
	Category       string          `json:"category"`
	Tags           []string        `json:"tags"`
	Alt            string          `json:"alt"`
	Title          string          `json:"title"`
	EntityID       string          `json:"entityId,omitempty"`
	EntityType     string          `json:"entityType,omitempty"`
	ProductID      string          `json:"productId,omitempty"`
	IsPublic       bool            `json:"isPublic"`
	Variants       VariantManifest `json:"variants"`
	AccessCount    int64           `json:"accessCount"`
	LastAccessedAt *time.Time      `json:"lastAccessedAt,omitempty"`
	Deleted        bool            `json:"-"`
	DeletedAt      *time.Time      `json:"-"`
	PurgedAt       *time.Time      `json:"-"`
	Versions       []AssetVersion  `json:"-"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// OriginalHandle returns the blob handle of the untouched upload.
func (a *Asset) OriginalHandle() string {
	return a.Variants[SizeOriginal].Handle
}

// AllHandles returns the handles of the current manifest and of every
// archived version.
func (a *Asset) AllHandles() []string {
	seen := map[string]bool{}
	var out []string
	add := func(hs ...string) {
		for _, h := range hs {
			if h != "" && !seen[h] {
				seen[h] = true
				out = append(out, h)
			}
		}
	}
	add(a.Variants.Handles()...)
	for _, v := range a.Versions {
		add(v.Handle)
		add(v.Variants.Handles()...)
	}
	return out
}
