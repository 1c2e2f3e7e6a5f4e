package model

import "time"

// Well-known source type classifications. The resolver may return other
// values; TypeWebsite is the generic fallback when classification fails.
const (
	TypeWebsite       = "WEBSITE"
	TypeNews          = "NEWS"
	TypeBlog          = "BLOG"
	TypeDocumentation = "DOCUMENTATION"
	TypeForum         = "FORUM"
	TypeSocial        = "SOCIAL"
	TypeEcommerce     = "ECOMMERCE"
)

// Source is a canonical deduplicated external URL cited by one or more
// results. URL is globally unique; all concurrent writers must converge on
// one row per URL.
type Source struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Hostname  string    `json:"hostname"`
	Title     *string   `json:"title,omitempty"`
	Type      *string   `json:"type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Citation is a normalized candidate citation pulled out of a provider
// response, before it is persisted as a Source. Title is empty when the
// provider supplied none.
type Citation struct {
	URL      string `json:"url"`
	Hostname string `json:"hostname"`
	Title    string `json:"title,omitempty"`
}
