package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tubewatch/pkg/logx"
)

const searchBody = `{
	"pageInfo": {"totalResults": 2},
	"items": [
		{"id": {"videoId": "vid-1"}, "snippet": {"title": "first", "channelId": "ch-1", "channelTitle": "Chan", "publishedAt": "2024-03-01T10:00:00Z"}},
		{"id": {"videoId": "vid-2"}, "snippet": {"title": "second", "channelId": "ch-1", "channelTitle": "Chan", "publishedAt": "2024-03-02T10:00:00Z"}}
	]
}`

const videosBody = `{
	"items": [
		{"id": "vid-1", "contentDetails": {"duration": "PT4M13S"}, "statistics": {"viewCount": "1200", "likeCount": "34", "commentCount": "5"}},
		{"id": "vid-2", "contentDetails": {"duration": "PT10M"}, "statistics": {"viewCount": "88", "likeCount": "2", "commentCount": "0"}}
	]
}`

func TestSearchParsesAndEnriches(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization header = %q", got)
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/search"):
			w.Write([]byte(searchBody))
		case strings.HasPrefix(r.URL.Path, "/videos"):
			w.Write([]byte(videosBody))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	y := NewYouTube(logx.Nop(), WithBaseURL(srv.URL))
	res, err := y.Search(context.Background(), "tok", Query{Query: "golang"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.TotalCount != 2 || len(res.Items) != 2 {
		t.Fatalf("got total %d, %d items", res.TotalCount, len(res.Items))
	}
	first := res.Items[0]
	if first.VideoID != "vid-1" || first.Title != "first" {
		t.Fatalf("first item = %+v", first)
	}
	if first.Duration != "PT4M13S" || first.ViewCount != 1200 || first.LikeCount != 34 {
		t.Fatalf("details not merged: %+v", first)
	}
	if res.Raw == "" {
		t.Fatal("raw response snapshot missing")
	}
}

func TestSearchErrorClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error": {"message": "nope"}}`))
		}))
		y := NewYouTube(logx.Nop(), WithBaseURL(srv.URL))
		_, err := y.Search(context.Background(), "tok", Query{Query: "x"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if IsPermanent(err) != tc.permanent {
			t.Fatalf("status %d: IsPermanent = %v, want %v", tc.status, IsPermanent(err), tc.permanent)
		}
		if !strings.Contains(err.Error(), "nope") {
			t.Fatalf("status %d: API message lost: %v", tc.status, err)
		}
	}
}

func TestSearchRejectsConflictingDateRange(t *testing.T) {
	t.Parallel()
	y := NewYouTube(logx.Nop(), WithBaseURL("http://unused.invalid"))
	_, err := y.Search(context.Background(), "tok", Query{
		Query:           "x",
		PublishedAfter:  "2024-06-01T00:00:00Z",
		PublishedBefore: "2024-01-01T00:00:00Z",
	})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	t.Parallel()
	y := NewYouTube(logx.Nop(), WithBaseURL("http://unused.invalid"))
	_, err := y.Search(context.Background(), "tok", Query{Query: "  "})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestPermanentWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	if !IsPermanent(Permanent(base)) {
		t.Fatal("Permanent not detected")
	}
	if !errors.Is(Permanent(base), base) {
		t.Fatal("wrapped error lost")
	}
	if IsPermanent(base) {
		t.Fatal("plain error marked permanent")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}
