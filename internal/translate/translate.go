// Package translate backfills translated titles and descriptions for stored
// videos. Translation is an enrichment: failures leave the original text in
// place and the video eligible for the next sweep.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tubewatch/internal/storage"
	"tubewatch/pkg/logx"
)

// Translator turns text into the target language.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// HTTPTranslator calls a self-hosted translation endpoint (LibreTranslate
// compatible).
type HTTPTranslator struct {
	http     *http.Client
	endpoint string
}

func NewHTTPTranslator(endpoint string) *HTTPTranslator {
	return &HTTPTranslator{
		http:     &http.Client{Timeout: 20 * time.Second},
		endpoint: endpoint,
	}
}

func (t *HTTPTranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if text == "" {
		return "", nil
	}
	body, err := json.Marshal(map[string]string{
		"q":      text,
		"source": "auto",
		"target": targetLang,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("translate: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translate: status %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		TranslatedText string `json:"translatedText"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("translate: decode: %w", err)
	}
	return out.TranslatedText, nil
}

// Store is the persistence surface the backfill needs.
type Store interface {
	ListVideosMissingTranslation(ctx context.Context, limit int) ([]*storage.Video, error)
	SetVideoTranslation(ctx context.Context, videoID, title, description string, at time.Time) error
}

// Backfill translates untranslated videos in batches.
type Backfill struct {
	store      Store
	translator Translator
	targetLang string
	batchSize  int
	log        logx.Logger
}

func NewBackfill(store Store, translator Translator, targetLang string, batchSize int, log logx.Logger) *Backfill {
	if batchSize <= 0 {
		batchSize = 20
	}
	if targetLang == "" {
		targetLang = "zh"
	}
	return &Backfill{
		store:      store,
		translator: translator,
		targetLang: targetLang,
		batchSize:  batchSize,
		log:        log.With(logx.String("component", "translate")),
	}
}

// Run processes one batch. Per-video failures are logged and skipped so one
// bad record never stalls the sweep.
func (b *Backfill) Run(ctx context.Context) error {
	videos, err := b.store.ListVideosMissingTranslation(ctx, b.batchSize)
	if err != nil {
		return err
	}
	if len(videos) == 0 {
		return nil
	}

	done := 0
	for _, v := range videos {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		title, err := b.translator.Translate(ctx, v.Title, b.targetLang)
		if err != nil {
			b.log.Warn("translate title failed",
				logx.String("video", v.VideoID), logx.Err(err))
			continue
		}
		desc, err := b.translator.Translate(ctx, v.Description, b.targetLang)
		if err != nil {
			b.log.Warn("translate description failed",
				logx.String("video", v.VideoID), logx.Err(err))
			continue
		}
		if err := b.store.SetVideoTranslation(ctx, v.VideoID, title, desc, time.Now().UTC()); err != nil {
			b.log.Error("persist translation",
				logx.String("video", v.VideoID), logx.Err(err))
			continue
		}
		done++
	}
	b.log.Info("translation batch finished",
		logx.Int("translated", done), logx.Int("batch", len(videos)))
	return nil
}
