package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tubewatch/pkg/logx"
)

const defaultBaseURL = "https://www.googleapis.com/youtube/v3"

// YouTube talks to the YouTube Data API v3 with a caller-supplied OAuth
// bearer token.
type YouTube struct {
	http *http.Client
	base string
	log  logx.Logger
}

type YouTubeOption func(*YouTube)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(base string) YouTubeOption {
	return func(y *YouTube) { y.base = strings.TrimRight(base, "/") }
}

func WithHTTPClient(c *http.Client) YouTubeOption {
	return func(y *YouTube) { y.http = c }
}

func NewYouTube(log logx.Logger, opts ...YouTubeOption) *YouTube {
	y := &YouTube{
		http: &http.Client{Timeout: 30 * time.Second},
		base: defaultBaseURL,
		log:  log,
	}
	for _, o := range opts {
		o(y)
	}
	return y
}

// Search runs search.list and enriches the hits with videos.list statistics.
func (y *YouTube) Search(ctx context.Context, accessToken string, q Query) (*Result, error) {
	if err := validateQuery(q); err != nil {
		return nil, Permanent(err)
	}

	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("type", "video")
	params.Set("q", q.Query)
	max := q.MaxResults
	if max <= 0 || max > 50 {
		max = 25
	}
	params.Set("maxResults", strconv.Itoa(max))
	setIfPresent(params, "publishedAfter", q.PublishedAfter)
	setIfPresent(params, "publishedBefore", q.PublishedBefore)
	setIfPresent(params, "regionCode", q.RegionCode)
	setIfPresent(params, "relevanceLanguage", q.RelevanceLanguage)
	setIfPresent(params, "videoDuration", q.VideoDuration)
	setIfPresent(params, "videoDefinition", q.VideoDefinition)
	setIfPresent(params, "videoType", q.VideoType)
	setIfPresent(params, "order", q.OrderBy)

	var search searchResponse
	raw, err := y.get(ctx, accessToken, "/search", params, &search)
	if err != nil {
		return nil, err
	}

	res := &Result{TotalCount: search.PageInfo.TotalResults, Raw: string(raw)}
	ids := make([]string, 0, len(search.Items))
	for _, it := range search.Items {
		if it.ID.VideoID != "" {
			ids = append(ids, it.ID.VideoID)
		}
	}
	if len(ids) == 0 {
		return res, nil
	}

	details, err := y.videoDetails(ctx, accessToken, ids)
	if err != nil {
		return nil, err
	}
	y.log.Debug("search page fetched",
		logx.String("query", q.Query),
		logx.Int("hits", len(ids)),
		logx.Int64("total", res.TotalCount))
	for _, it := range search.Items {
		id := it.ID.VideoID
		if id == "" {
			continue
		}
		item := Item{
			VideoID:      id,
			Title:        it.Snippet.Title,
			Description:  it.Snippet.Description,
			ChannelID:    it.Snippet.ChannelID,
			ChannelTitle: it.Snippet.ChannelTitle,
			PublishedAt:  it.Snippet.PublishedAt,
		}
		if th, err := json.Marshal(it.Snippet.Thumbnails); err == nil && string(th) != "null" {
			item.ThumbnailsJSON = string(th)
		}
		if d, ok := details[id]; ok {
			item.Duration = d.ContentDetails.Duration
			item.ViewCount = atoi64(d.Statistics.ViewCount)
			item.LikeCount = atoi64(d.Statistics.LikeCount)
			item.CommentCount = atoi64(d.Statistics.CommentCount)
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

func (y *YouTube) videoDetails(ctx context.Context, accessToken string, ids []string) (map[string]videoItem, error) {
	params := url.Values{}
	params.Set("part", "contentDetails,statistics")
	params.Set("id", strings.Join(ids, ","))

	var resp videosResponse
	if _, err := y.get(ctx, accessToken, "/videos", params, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]videoItem, len(resp.Items))
	for _, it := range resp.Items {
		out[it.ID] = it
	}
	return out, nil
}

func (y *YouTube) get(ctx context.Context, accessToken, path string, params url.Values, dst any) ([]byte, error) {
	u := y.base + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := y.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("youtube %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("youtube %s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("youtube %s: status %d: %s", path, resp.StatusCode, apiErrorMessage(body))
		if permanentStatus(resp.StatusCode) {
			return nil, Permanent(err)
		}
		return nil, err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return nil, fmt.Errorf("youtube %s: decode: %w", path, err)
	}
	return body, nil
}

// permanentStatus reports statuses that retrying the same request cannot
// change. 429 and 5xx stay retryable.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func validateQuery(q Query) error {
	if strings.TrimSpace(q.Query) == "" {
		return fmt.Errorf("empty search query")
	}
	if q.PublishedAfter != "" && q.PublishedBefore != "" {
		after, err1 := time.Parse(time.RFC3339, q.PublishedAfter)
		before, err2 := time.Parse(time.RFC3339, q.PublishedBefore)
		if err1 == nil && err2 == nil && after.After(before) {
			return fmt.Errorf("published_after %s is later than published_before %s",
				q.PublishedAfter, q.PublishedBefore)
		}
	}
	return nil
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

func setIfPresent(p url.Values, key, val string) {
	if val != "" {
		p.Set(key, val)
	}
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

type searchResponse struct {
	PageInfo struct {
		TotalResults int64 `json:"totalResults"`
	} `json:"pageInfo"`
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			Title        string          `json:"title"`
			Description  string          `json:"description"`
			ChannelID    string          `json:"channelId"`
			ChannelTitle string          `json:"channelTitle"`
			PublishedAt  time.Time       `json:"publishedAt"`
			Thumbnails   json.RawMessage `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
}

type videosResponse struct {
	Items []videoItem `json:"items"`
}

type videoItem struct {
	ID             string `json:"id"`
	ContentDetails struct {
		Duration string `json:"duration"`
	} `json:"contentDetails"`
	Statistics struct {
		ViewCount    string `json:"viewCount"`
		LikeCount    string `json:"likeCount"`
		CommentCount string `json:"commentCount"`
	} `json:"statistics"`
}
