// Package dedup separates a search batch into items already delivered by
// earlier successful runs of the same task and items seen for the first time.
package dedup

import (
	"context"

	"tubewatch/internal/provider"
)

// History exposes the set of item IDs a task has already delivered.
type History interface {
	SeenVideoIDs(ctx context.Context, taskID string) (map[string]struct{}, error)
}

type Filter struct {
	history History
}

func NewFilter(history History) *Filter {
	return &Filter{history: history}
}

// FilterNew returns the subset of batch not present in the task's delivery
// history, preserving batch order, alongside the full batch. Duplicates
// within the batch itself collapse to their first occurrence.
func (f *Filter) FilterNew(ctx context.Context, taskID string, batch []provider.Item) (fresh []provider.Item, all []provider.Item, err error) {
	seen, err := f.history.SeenVideoIDs(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	fresh = make([]provider.Item, 0, len(batch))
	inBatch := make(map[string]struct{}, len(batch))
	for _, it := range batch {
		if _, dup := inBatch[it.VideoID]; dup {
			continue
		}
		inBatch[it.VideoID] = struct{}{}
		if _, old := seen[it.VideoID]; old {
			continue
		}
		fresh = append(fresh, it)
	}
	return fresh, batch, nil
}
