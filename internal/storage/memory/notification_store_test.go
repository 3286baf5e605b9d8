package memory

import (
	"context"
	"testing"
	"time"

	"donut-notifier/internal/domain"
)

func TestNotificationStore_InsertAssignsIDs(t *testing.T) {
	store := NewNotificationStore()
	ctx := context.Background()

	first := &domain.NotificationRecord{
		SentAt:       time.Unix(1700000000, 0),
		Notification: domain.Notification{Title: "in range"},
		FIDs:         []int64{1, 2},
	}
	second := &domain.NotificationRecord{
		SentAt:       time.Unix(1700000600, 0),
		Notification: domain.Notification{Title: "in range again"},
		FIDs:         []int64{3},
	}

	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, second); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Errorf("IDs = %d, %d; want 1, 2", first.ID, second.ID)
	}

	got, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != 2 {
		t.Fatalf("Recent = %+v, want newest first", got)
	}

	// Mutating the result must not change the store
	got[0].FIDs[0] = 99
	again, _ := store.Recent(ctx, 1)
	if again[0].FIDs[0] != 3 {
		t.Error("Recent returned shared FIDs slice")
	}
}
