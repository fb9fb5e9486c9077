// Package provider defines the external search surface and its YouTube
// Data API implementation.
package provider

import (
	"context"
	"time"
)

// Item is one video returned by a search, flattened to the fields the rest
// of the system cares about.
type Item struct {
	VideoID        string
	Title          string
	Description    string
	ChannelID      string
	ChannelTitle   string
	PublishedAt    time.Time
	ThumbnailsJSON string
	Duration       string
	ViewCount      int64
	LikeCount      int64
	CommentCount   int64
}

// Query carries the search parameters of one execution.
type Query struct {
	Query             string
	MaxResults        int
	PublishedAfter    string // RFC 3339, optional
	PublishedBefore   string // RFC 3339, optional
	RegionCode        string
	RelevanceLanguage string
	VideoDuration     string
	VideoDefinition   string
	VideoType         string
	OrderBy           string
}

// Result is the outcome of one search call.
type Result struct {
	Items      []Item
	TotalCount int64
	Raw        string // provider response snapshot, JSON
}

// SearchProvider executes a search with the caller's bearer token.
type SearchProvider interface {
	Search(ctx context.Context, accessToken string, q Query) (*Result, error)
}
