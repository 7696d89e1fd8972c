package database

import (
	"path/filepath"
	"testing"
)

func TestJournalRecordAndRecentRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "simulator.db")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	j.Record("tenant-1", "simulation_started", "6 generators", 0)
	j.Record("tenant-1", "simulation_stopped", "", 1234)
	j.Record("tenant-1", "simulation_reset", "", 0)

	entries, err := j.RecentRuns(2)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	// Newest first.
	if entries[0].Event != "simulation_reset" {
		t.Errorf("entries[0].Event = %q", entries[0].Event)
	}
	if entries[1].Event != "simulation_stopped" || entries[1].RecordsGenerated != 1234 {
		t.Errorf("entries[1] = %+v", entries[1])
	}
	for _, e := range entries {
		if e.TenantID != "tenant-1" {
			t.Errorf("tenant = %q", e.TenantID)
		}
		if e.OccurredAt.IsZero() {
			t.Error("occurred_at not recorded")
		}
	}
}

func TestJournalNilReceiverIsSafe(t *testing.T) {
	var j *Journal
	j.Record("tenant-1", "simulation_started", "", 0)
	if err := j.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestJournalReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simulator.db")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j.Record("tenant-1", "simulation_started", "", 0)
	j.Close()

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	entries, err := j2.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != "simulation_started" {
		t.Fatalf("entries after reopen = %+v", entries)
	}
}
