package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andywolf/walletguard/internal/storage"
)

func record(id, summary string, created time.Time) storage.StrategyRecord {
	return storage.StrategyRecord{
		ID:             id,
		AgentID:        "agent",
		SummarizedDesc: summary,
		Outcome:        storage.OutcomeSuccess,
		CreatedAt:      created,
	}
}

func TestNewLocalStore_Defaults(t *testing.T) {
	s := NewLocalStore("/tmp/test/memory.json", Config{})
	if s.maxEntries != DefaultMaxEntries {
		t.Errorf("expected maxEntries %d, got %d", DefaultMaxEntries, s.maxEntries)
	}
	if s.topK != DefaultTopK {
		t.Errorf("expected topK %d, got %d", DefaultTopK, s.topK)
	}
}

func TestLocalStore_LoadMissingFile(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "memory.json"), Config{})
	if err := s.Load(); err != nil {
		t.Fatalf("Load on missing file should not error: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestLocalStore_LoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	_ = os.WriteFile(path, []byte("not json"), 0644)

	s := NewLocalStore(path, Config{})
	if err := s.Load(); err != nil {
		t.Fatalf("Load on invalid JSON should not error: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store after invalid JSON, got %d", s.Len())
	}
}

func TestLocalStore_SaveBatchRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "memory.json")
	ctx := context.Background()
	now := time.Now()

	s := NewLocalStore(path, Config{})
	err := s.SaveBatch(ctx, []storage.StrategyRecord{
		record("a", "revoke drainer approval", now),
		record("b", "quarantine spam token", now),
	})
	if err != nil {
		t.Fatalf("SaveBatch error: %v", err)
	}

	reloaded := NewLocalStore(path, Config{})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if reloaded.Len() != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", reloaded.Len())
	}
}

func TestLocalStore_SaveBatchReplacesSameID(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "memory.json"), Config{})
	ctx := context.Background()
	now := time.Now()

	_ = s.SaveBatch(ctx, []storage.StrategyRecord{record("a", "first", now)})
	_ = s.SaveBatch(ctx, []storage.StrategyRecord{record("a", "second", now)})

	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}
	got, _ := s.Relevant(ctx, "second")
	if len(got) != 1 || got[0].SummarizedDesc != "second" {
		t.Errorf("expected replaced record, got %+v", got)
	}
}

func TestLocalStore_Prune(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "memory.json"), Config{MaxEntries: 3})
	ctx := context.Background()

	var recs []storage.StrategyRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, record(fmt.Sprintf("r%d", i), fmt.Sprintf("strategy %d", i), time.Now()))
	}
	if err := s.SaveBatch(ctx, recs); err != nil {
		t.Fatalf("SaveBatch error: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 entries after prune, got %d", s.Len())
	}
	if s.data.Entries[0].Record.ID != "r2" {
		t.Errorf("expected oldest entries dropped, first is %s", s.data.Entries[0].Record.ID)
	}
}

func TestLocalStore_RelevantOrdering(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "memory.json"), Config{TopK: 2})
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = s.SaveBatch(ctx, []storage.StrategyRecord{
		record("old-drainer", "revoke drainer approval", base),
		record("spam", "quarantine spam token airdrop", base.Add(time.Hour)),
		record("new-drainer", "drainer approval detected and revoked", base.Add(2*time.Hour)),
		record("unrelated", "rebalance staking", base.Add(3*time.Hour)),
	})

	got, err := s.Relevant(ctx, "Drainer approval on wallet")
	if err != nil {
		t.Fatalf("Relevant error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	// Both drainer records match two terms; the newer one wins the tie.
	if got[0].ID != "new-drainer" || got[1].ID != "old-drainer" {
		t.Errorf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestLocalStore_RelevantNoMatch(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "memory.json"), Config{})
	ctx := context.Background()
	_ = s.SaveBatch(ctx, []storage.StrategyRecord{record("a", "revoke approval", time.Now())})

	for _, q := range []string{"", "the and", "phishing"} {
		got, err := s.Relevant(ctx, q)
		if err != nil {
			t.Fatalf("Relevant(%q) error: %v", q, err)
		}
		if len(got) != 0 {
			t.Errorf("Relevant(%q) = %d results, want 0", q, len(got))
		}
	}
}

func TestLocalStore_RelevantUsesNotification(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "memory.json"), Config{})
	ctx := context.Background()

	rec := record("a", "revoke approval", time.Now())
	rec.Parameters = map[string]any{"notif_str": "phishing site fake-jup"}
	_ = s.SaveBatch(ctx, []storage.StrategyRecord{rec})

	got, _ := s.Relevant(ctx, "phishing")
	if len(got) != 1 {
		t.Fatalf("expected match on notification text, got %d", len(got))
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("The Drainer, drained 5 SOL from wallet-A!")
	for _, want := range []string{"drainer", "drained", "sol", "wallet"} {
		if _, ok := got[want]; !ok {
			t.Errorf("expected token %q in %v", want, got)
		}
	}
	for _, skip := range []string{"the", "from", "5", "a"} {
		if _, ok := got[skip]; ok {
			t.Errorf("unexpected token %q", skip)
		}
	}
}
