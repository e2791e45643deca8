package jobs

import (
	"context"
	"testing"
	"time"

	"codeintel/internal/errors"
	"codeintel/internal/logging"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	logger := logging.NewLogger(logging.Config{
		Format: logging.HumanFormat,
		Level:  logging.ErrorLevel,
	})
	store, err := OpenStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestParseStatus(t *testing.T) {
	for _, valid := range []string{"queued", "active", "delayed", "completed", "failed"} {
		if _, err := ParseStatus(valid); err != nil {
			t.Errorf("status %q should parse: %v", valid, err)
		}
	}

	_, err := ParseStatus("running")
	if errors.CodeOf(err) != errors.UnknownJobStatus {
		t.Fatalf("expected UNKNOWN_JOB_STATUS, got %v", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, err := NewJob(NameConvert, ConvertArgs{
		Repository: "github.com/test/repo",
		Commit:     "deadbeef",
		UploadPath: "/tmp/upload.gz",
	})
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if err := store.Enqueue(ctx, job); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	claimed, err := store.Dequeue(ctx)
	if err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected job %s, got %+v", job.ID, claimed)
	}
	if claimed.Status != StatusActive {
		t.Errorf("claimed job should be active, got %s", claimed.Status)
	}

	if err := store.MarkCompleted(ctx, job.ID); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}

	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if final.Status != StatusCompleted || final.FinishedAt == nil {
		t.Errorf("unexpected final state: %+v", final)
	}

	// Queue is drained.
	next, err := store.Dequeue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != nil {
		t.Errorf("expected empty queue, got %+v", next)
	}
}

func TestJobFailure(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, _ := NewJob(NameConvert, nil)
	if err := store.Enqueue(ctx, job); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := store.Dequeue(ctx); err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if err := store.MarkFailed(ctx, job.ID, "upload is not gzip"); err != nil {
		t.Fatalf("failed to fail job: %v", err)
	}

	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if final.Status != StatusFailed || final.FailureReason != "upload is not gzip" {
		t.Errorf("unexpected failed state: %+v", final)
	}
}

func TestDelayedPromotion(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	t.Run("future job stays delayed", func(t *testing.T) {
		_, err := store.EnsureOnlyRepeatableJob(ctx, NameCleanOldJobs, nil, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("failed to schedule: %v", err)
		}

		claimed, err := store.Dequeue(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if claimed != nil {
			t.Fatalf("future delayed job was claimed: %+v", claimed)
		}
	})

	t.Run("due job is promoted and claimed", func(t *testing.T) {
		scheduled, err := store.EnsureOnlyRepeatableJob(ctx, NameCleanOldJobs, nil, time.Now().Add(-time.Minute))
		if err != nil {
			t.Fatalf("failed to schedule: %v", err)
		}

		claimed, err := store.Dequeue(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if claimed == nil || claimed.ID != scheduled.ID {
			t.Fatalf("expected job %s, got %+v", scheduled.ID, claimed)
		}
	})
}

func TestEnsureOnlyRepeatableJob(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first, err := store.EnsureOnlyRepeatableJob(ctx, NameUpdateTips, nil, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}
	second, err := store.EnsureOnlyRepeatableJob(ctx, NameUpdateTips, nil, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to reschedule: %v", err)
	}

	gone, err := store.GetJob(ctx, first.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gone != nil {
		t.Errorf("first schedule should have been replaced, still present: %+v", gone)
	}

	page, err := store.SliceJobs(ctx, "delayed", 10, 0)
	if err != nil {
		t.Fatalf("failed to slice: %v", err)
	}
	if page.TotalCount != 1 || page.Jobs[0].ID != second.ID {
		t.Errorf("expected exactly the second schedule, got %+v", page)
	}
}

func TestSliceJobs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job, _ := NewJob(NameConvert, nil)
		// Spread queue times so ordering is observable.
		job.QueuedAt = job.QueuedAt.Add(time.Duration(i) * time.Second)
		if err := store.Enqueue(ctx, job); err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
	}

	page, err := store.SliceJobs(ctx, "queued", 2, 0)
	if err != nil {
		t.Fatalf("failed to slice: %v", err)
	}
	if page.TotalCount != 5 {
		t.Errorf("expected total 5, got %d", page.TotalCount)
	}
	if len(page.Jobs) != 2 {
		t.Errorf("expected 2 jobs in window, got %d", len(page.Jobs))
	}

	_, err = store.SliceJobs(ctx, "bogus", 2, 0)
	if errors.CodeOf(err) != errors.UnknownJobStatus {
		t.Fatalf("expected UNKNOWN_JOB_STATUS, got %v", err)
	}
}

func TestSearchJobs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, _ := NewJob(NameConvert, ConvertArgs{Repository: "github.com/acme/widgets", Commit: "c1"})
	if err := store.Enqueue(ctx, job); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	other, _ := NewJob(NameCleanOldJobs, nil)
	if err := store.Enqueue(ctx, other); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	found, err := store.SearchJobs(ctx, "widgets", 10)
	if err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if len(found) != 1 || found[0].ID != job.ID {
		t.Fatalf("expected only the widgets job, got %+v", found)
	}
}

func TestCleanOld(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job, _ := NewJob(NameConvert, nil)
	if err := store.Enqueue(ctx, job); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := store.Dequeue(ctx); err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if err := store.MarkCompleted(ctx, job.ID); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}

	// Everything finished within the window survives.
	removed, err := store.CleanOld(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failed to clean: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected nothing removed, got %d", removed)
	}

	// A cutoff in the future removes every finished job regardless of
	// timestamp granularity.
	removed, err = store.CleanOld(ctx, -2*time.Second)
	if err != nil {
		t.Fatalf("failed to clean: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
}
