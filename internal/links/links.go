// Package links builds the public URLs handed out for assets.
package links

import (
	"net/url"
	"strings"

	"github.com/leca/imagevault/internal/model"
)

// Builder renders asset URLs under a base such as "https://img.example.com".
type Builder struct {
	base string
}

func NewBuilder(baseURL string) *Builder {
	return &Builder{base: strings.TrimRight(baseURL, "/")}
}

// Asset returns the byte-stream URL for one size. An empty token yields a
// bare URL.
func (b *Builder) Asset(id, size, token string) string {
	u := b.base + "/images/" + url.PathEscape(id)
	q := url.Values{}
	if size != "" && size != model.SizeOriginal {
		q.Set("size", size)
	}
	if token != "" {
		q.Set("token", token)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// Info returns the metadata URL.
func (b *Builder) Info(id, token string) string {
	u := b.base + "/images/" + url.PathEscape(id) + "/info"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// Sizes returns one URL per size present in the manifest.
func (b *Builder) Sizes(id string, manifest model.VariantManifest, token string) map[string]string {
	out := make(map[string]string, len(manifest))
	for _, name := range model.SizeNames {
		if _, ok := manifest[name]; ok {
			out[name] = b.Asset(id, name, token)
		}
	}
	return out
}
