package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultMaxItems = 25

// FeishuSender posts interactive cards to a Feishu custom bot webhook.
type FeishuSender struct {
	http       *http.Client
	webhookURL string
	maxItems   int
}

func NewFeishuSender(webhookURL string, maxItems int) *FeishuSender {
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	return &FeishuSender{
		http:       &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
		maxItems:   maxItems,
	}
}

func (f *FeishuSender) Send(ctx context.Context, m *Message) error {
	body, err := json.Marshal(f.card(m))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("feishu webhook: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feishu webhook: status %d: %s", resp.StatusCode, raw)
	}
	// Feishu reports application errors with HTTP 200 and a non-zero code.
	var ack struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &ack); err == nil && ack.Code != 0 {
		return fmt.Errorf("feishu webhook: code %d: %s", ack.Code, ack.Msg)
	}
	return nil
}

// card builds the interactive card payload. Long batches are truncated to
// maxItems with a trailing note, keeping the card under Feishu's size limit.
func (f *FeishuSender) card(m *Message) map[string]any {
	items := m.Items
	truncated := 0
	if len(items) > f.maxItems {
		truncated = len(items) - f.maxItems
		items = items[:f.maxItems]
	}

	elements := make([]map[string]any, 0, len(items)+2)
	for i, it := range items {
		line := fmt.Sprintf("**%d. [%s](https://www.youtube.com/watch?v=%s)**\n%s · %s",
			i+1, it.Title, it.VideoID, it.ChannelTitle,
			it.PublishedAt.Format("2006-01-02 15:04"))
		elements = append(elements, map[string]any{
			"tag": "div",
			"text": map[string]any{
				"tag":     "lark_md",
				"content": line,
			},
		})
	}
	if truncated > 0 {
		elements = append(elements, map[string]any{
			"tag": "note",
			"elements": []map[string]any{{
				"tag":     "lark_md",
				"content": fmt.Sprintf("%d more new videos not shown", truncated),
			}},
		})
	}

	title := fmt.Sprintf("New videos for \"%s\" (%d new)", m.Query, len(m.Items))
	return map[string]any{
		"msg_type": "interactive",
		"card": map[string]any{
			"header": map[string]any{
				"title":    map[string]any{"tag": "plain_text", "content": title},
				"template": "blue",
			},
			"elements": elements,
		},
	}
}
