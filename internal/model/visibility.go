package model

import "strings"

// PublicCategory enumerates the catalog categories whose assets are public
// by default.
type PublicCategory string

const (
	CategoryProduct     PublicCategory = "product"
	CategoryElectronics PublicCategory = "electronics"
	CategoryClothing    PublicCategory = "clothing"
	CategoryAccessories PublicCategory = "accessories"
)

var publicCategories = map[PublicCategory]struct{}{
	CategoryProduct:     {},
	CategoryElectronics: {},
	CategoryClothing:    {},
	CategoryAccessories: {},
}

// EntityTypeProduct marks an association with an external product entity.
const EntityTypeProduct = "product"

// IsPublicCategory reports whether category is a known public category.
// Matching is exact after trimming and lower-casing.
func IsPublicCategory(category string) bool {
	_, ok := publicCategories[PublicCategory(strings.ToLower(strings.TrimSpace(category)))]
	return ok
}

// IsPublicByDefault is the visibility heuristic applied at creation:
// product entities, public categories and product associations are public,
// everything else is private.
func IsPublicByDefault(entityType, category, productID string) bool {
	if strings.EqualFold(strings.TrimSpace(entityType), EntityTypeProduct) {
		return true
	}
	if IsPublicCategory(category) {
		return true
	}
	return strings.TrimSpace(productID) != ""
}
