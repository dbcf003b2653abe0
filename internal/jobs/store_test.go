package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/clinagent/pkg/models"
)

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	job := &Job{
		ID:        "job-1",
		Query:     "status of DEV001?",
		Status:    StatusQueued,
		CreatedAt: time.Now(),
		Events:    []models.StreamEvent{models.ToolSelected(models.ToolCall{ID: "c1", Name: "get_device_status"})},
	}

	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != "job-1" || len(got.Events) != 1 {
		t.Fatalf("expected job with one event, got %+v", got)
	}

	job.Status = StatusSucceeded
	job.Answer = "Operational"
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.Get(ctx, "job-1")
	if got.Status != StatusSucceeded || got.Answer != "Operational" {
		t.Fatalf("after update = %+v", got)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Get(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestMemoryStoreReturnsClones(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Job{ID: "j", Events: []models.StreamEvent{models.Done()}})

	got, _ := store.Get(ctx, "j")
	got.Status = StatusFailed
	got.Events[0].Type = models.StreamEventError

	again, _ := store.Get(ctx, "j")
	if again.Status == StatusFailed || again.Events[0].Type != models.StreamEventDone {
		t.Errorf("store was mutated through a returned job: %+v", again)
	}
}

func TestMemoryStoreList(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		_ = store.Create(ctx, &Job{ID: id, CreatedAt: time.Now()})
	}

	tests := []struct {
		name          string
		limit, offset int
		want          []string
	}{
		{"all", 0, 0, []string{"d", "c", "b", "a"}},
		{"first page", 2, 0, []string{"d", "c"}},
		{"second page", 2, 2, []string{"b", "a"}},
		{"past end", 2, 10, nil},
		{"negative offset", 1, -3, []string{"d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List() = %d jobs, want %d", len(got), len(tt.want))
			}
			for i, job := range got {
				if job.ID != tt.want[i] {
					t.Errorf("List()[%d] = %s, want %s", i, job.ID, tt.want[i])
				}
			}
		})
	}
}

func TestMemoryStorePrune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Job{ID: "old", Status: StatusSucceeded, CreatedAt: time.Now().Add(-48 * time.Hour)})
	_ = store.Create(ctx, &Job{ID: "new", Status: StatusSucceeded, CreatedAt: time.Now()})

	pruned, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}
	if got, _ := store.Get(ctx, "old"); got != nil {
		t.Error("old job should be gone")
	}
	if list, _ := store.List(ctx, 0, 0); len(list) != 1 {
		t.Errorf("remaining = %d, want 1", len(list))
	}
}

func TestMemoryStoreConcurrency(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := &Job{ID: string(rune('A' + i%26)), CreatedAt: time.Now()}
			_ = store.Create(ctx, job)
			job.Status = StatusRunning
			_ = store.Update(ctx, job)
			_, _ = store.Get(ctx, job.ID)
			_, _ = store.List(ctx, 5, 0)
		}(i)
	}
	wg.Wait()
	if list, _ := store.List(ctx, 0, 0); len(list) != 26 {
		t.Errorf("jobs = %d, want 26", len(list))
	}
}

func TestStatusTerminal(t *testing.T) {
	for status, want := range map[Status]bool{
		StatusQueued:    false,
		StatusRunning:   false,
		StatusSucceeded: true,
		StatusFailed:    true,
	} {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
