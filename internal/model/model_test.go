package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsPublicByDefault(t *testing.T) {
	tests := []struct {
		name       string
		entityType string
		category   string
		productID  string
		want       bool
	}{
		{"product entity", "product", "", "", true},
		{"product entity mixed case", "Product", "", "", true},
		{"public category", "", "electronics", "", true},
		{"public category padded", "", "  Clothing ", "", true},
		{"product id only", "", "", "sku-1", true},
		{"personal category", "", "personal", "", false},
		{"substring is not a match", "", "productivity", "", false},
		{"user entity", "user", "avatar", "", false},
		{"nothing", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPublicByDefault(tt.entityType, tt.category, tt.productID))
		})
	}
}

func TestPlanDefaultLimits(t *testing.T) {
	assert.Equal(t, int64(5<<20), PlanFree.DefaultLimits().MaxFileSize)
	assert.Equal(t, int64(1000), PlanBasic.DefaultLimits().MaxImagesPerMonth)
	assert.Equal(t, int64(100<<30), PlanPremium.DefaultLimits().MaxStorageBytes)
	assert.Equal(t, int64(50<<20), PlanEnterprise.DefaultLimits().MaxFileSize)

	assert.False(t, Plan("platinum").Valid())
	assert.Equal(t, PlanFree.DefaultLimits(), Plan("platinum").DefaultLimits())
}

func TestFormatFromMIME(t *testing.T) {
	f, ok := FormatFromMIME("image/jpeg")
	assert.True(t, ok)
	assert.Equal(t, FormatJPEG, f)

	_, ok = FormatFromMIME("image/gif")
	assert.False(t, ok)

	assert.Equal(t, "image/webp", FormatWebP.MIMEType())
}

func TestSessions(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tn := &Tenant{}

	tn.AddSession(Session{ID: "expired", ExpiresAt: now.Add(-time.Minute)}, 3, now.Add(-2*time.Minute))
	for _, id := range []string{"a", "b", "c"} {
		tn.AddSession(Session{ID: id, ExpiresAt: now.Add(time.Hour)}, 3, now)
	}

	// expired entry pruned, then capped at 3
	assert.Len(t, tn.Sessions, 3)
	assert.False(t, tn.HasSession("expired", now))

	tn.AddSession(Session{ID: "d", ExpiresAt: now.Add(time.Hour)}, 3, now)
	assert.False(t, tn.HasSession("a", now), "oldest evicted")
	assert.True(t, tn.HasSession("d", now))

	assert.True(t, tn.RemoveSession("b"))
	assert.False(t, tn.RemoveSession("b"))
	assert.False(t, tn.HasSession("c", now.Add(2*time.Hour)))
}

func TestAssetAllHandles(t *testing.T) {
	a := &Asset{
		Variants: VariantManifest{
			SizeOriginal:  {Handle: "t/a/new.png"},
			SizeThumbnail: {Handle: "t/a/thumbnail-new.jpg"},
		},
		Versions: []AssetVersion{{
			Handle:   "t/a/old.png",
			Variants: VariantManifest{SizeOriginal: {Handle: "t/a/old.png"}, SizeSmall: {Handle: "t/a/small-old.jpg"}},
		}},
	}

	assert.Equal(t, "t/a/new.png", a.OriginalHandle())
	assert.ElementsMatch(t, []string{
		"t/a/new.png", "t/a/thumbnail-new.jpg", "t/a/old.png", "t/a/small-old.jpg",
	}, a.AllHandles())
}
