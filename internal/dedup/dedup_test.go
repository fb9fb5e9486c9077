package dedup

import (
	"context"
	"errors"
	"testing"

	"tubewatch/internal/provider"
)

type stubHistory struct {
	seen map[string]struct{}
	err  error
}

func (s *stubHistory) SeenVideoIDs(ctx context.Context, taskID string) (map[string]struct{}, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.seen, nil
}

func items(ids ...string) []provider.Item {
	out := make([]provider.Item, len(ids))
	for i, id := range ids {
		out[i] = provider.Item{VideoID: id}
	}
	return out
}

func idsOf(in []provider.Item) []string {
	out := make([]string, len(in))
	for i, it := range in {
		out[i] = it.VideoID
	}
	return out
}

func TestFilterNewFirstRun(t *testing.T) {
	t.Parallel()
	f := NewFilter(&stubHistory{seen: map[string]struct{}{}})
	fresh, all, err := f.FilterNew(context.Background(), "t1", items("a", "b", "c"))
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	if len(fresh) != 3 || len(all) != 3 {
		t.Fatalf("fresh=%v all=%v", idsOf(fresh), idsOf(all))
	}
}

func TestFilterNewDropsSeenPreservingOrder(t *testing.T) {
	t.Parallel()
	f := NewFilter(&stubHistory{seen: map[string]struct{}{"b": {}, "d": {}}})
	fresh, all, err := f.FilterNew(context.Background(), "t1", items("a", "b", "c", "d", "e"))
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	got := idsOf(fresh)
	want := []string{"a", "c", "e"}
	if len(got) != len(want) {
		t.Fatalf("fresh = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fresh = %v, want %v", got, want)
		}
	}
	if len(all) != 5 {
		t.Fatalf("all = %v", idsOf(all))
	}
}

func TestFilterNewFullyDuplicateBatch(t *testing.T) {
	t.Parallel()
	f := NewFilter(&stubHistory{seen: map[string]struct{}{"a": {}, "b": {}}})
	fresh, _, err := f.FilterNew(context.Background(), "t1", items("a", "b"))
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("fresh = %v, want empty", idsOf(fresh))
	}
}

func TestFilterNewCollapsesInBatchDuplicates(t *testing.T) {
	t.Parallel()
	f := NewFilter(&stubHistory{seen: map[string]struct{}{}})
	fresh, _, err := f.FilterNew(context.Background(), "t1", items("a", "a", "b"))
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	if got := idsOf(fresh); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("fresh = %v", got)
	}
}

func TestFilterNewPropagatesHistoryError(t *testing.T) {
	t.Parallel()
	boom := errors.New("db closed")
	f := NewFilter(&stubHistory{err: boom})
	if _, _, err := f.FilterNew(context.Background(), "t1", items("a")); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}
