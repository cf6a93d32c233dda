package modellog

import (
	"context"
	"testing"
	"time"
)

var ctx = context.Background()

func TestNewMemoryLog_genesis(t *testing.T) {
	l := NewMemoryLog()
	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != GenesisHash {
		t.Errorf("Root() on genesis-only log: got %q", root)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() on genesis-only log: %v", err)
	}
}

func TestAppend_chains(t *testing.T) {
	l := NewMemoryLog()
	e1, err := l.Append(ctx, "m-1", ActionLoad, ActorStartup, "digest-1")
	if err != nil {
		t.Fatal(err)
	}
	e2, err := l.Append(ctx, "m-2", ActionReload, ActorSignal, "digest-2")
	if err != nil {
		t.Fatal(err)
	}
	if e1.PrevHash != GenesisHash || e2.PrevHash != e1.Hash {
		t.Error("entries are not chained")
	}
	if e2.Index != 2 {
		t.Errorf("index: got %d, want 2", e2.Index)
	}
	if root, _ := l.Root(ctx); root != e2.Hash {
		t.Errorf("Root(): got %q, want %q", root, e2.Hash)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify(): %v", err)
	}
}

func TestRecent_newestFirst(t *testing.T) {
	l := NewMemoryLog()
	for _, id := range []string{"a", "b", "c"} {
		_, _ = l.Append(ctx, id, ActionReload, ActorAPI, "")
	}
	got, _ := l.Recent(ctx, 2)
	if len(got) != 2 || got[0].ModelID != "c" || got[1].ModelID != "b" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	all, _ := l.Recent(ctx, 0)
	if len(all) != 4 || all[3].Action != ActionGenesis {
		t.Errorf("expected all four entries ending in genesis, got %d", len(all))
	}
}

func TestVerify_detectsTampering(t *testing.T) {
	l := NewMemoryLog()
	_, _ = l.Append(ctx, "m-1", ActionLoad, ActorStartup, "digest-1")
	_, _ = l.Append(ctx, "m-2", ActionReload, ActorWatch, "digest-2")

	l.entries[1].Detail = "forged"
	if err := l.Verify(ctx); err == nil {
		t.Fatal("expected Verify to reject an edited entry")
	}
}

func TestHashEntry_timezoneIndependent(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := &Entry{Index: 1, Timestamp: ts, ModelID: "m", PrevHash: GenesisHash}
	b := *a
	b.Timestamp = ts.In(time.FixedZone("X", 3600))
	if hashEntry(a) != hashEntry(&b) {
		t.Error("hash must not depend on the timestamp's location")
	}
}
