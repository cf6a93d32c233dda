// Package modellog keeps a tamper-evident history of model deployments.
//
// Every entry records the SHA-256 of its predecessor, starting from a genesis
// entry whose hash is GenesisHash, so rewriting any past deployment breaks
// Verify. MemoryLog serves single-process deployments and tests; PostgresLog
// persists the chain in the model_log table.
package modellog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the hash of the genesis entry, 64 hex zeros.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Actions.
const (
	ActionGenesis      = "genesis"
	ActionLoad         = "load"
	ActionReload       = "reload"
	ActionReloadFailed = "reload_failed"
)

// Actors.
const (
	ActorSystem  = "system"
	ActorStartup = "startup"
	ActorSignal  = "sighup"
	ActorAPI     = "api"
	ActorWatch   = "watch"
)

// Entry is one deployment event.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	ModelID   string    `json:"model_id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail"` // artifact digest, or the reload error
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Log is the append-only deployment history.
type Log interface {
	// Append chains a new entry to the tail.
	Append(ctx context.Context, modelID, action, actor, detail string) (*Entry, error)

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]*Entry, error)

	// Verify walks the chain and checks every link.
	Verify(ctx context.Context) error

	// Root returns the hash of the newest entry.
	Root(ctx context.Context) (string, error)
}

func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ModelID, e.Action, e.Actor, e.Detail, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// verifyChain checks entries in ascending index order.
func verifyChain(entries []*Entry) error {
	for i, curr := range entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("modellog: genesis entry has wrong hash %q", curr.Hash)
			}
			continue
		}
		if curr.PrevHash != entries[i-1].Hash {
			return fmt.Errorf("modellog: chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("modellog: entry %d has invalid hash", curr.Index)
		}
	}
	return nil
}

func genesis() *Entry {
	return &Entry{
		Timestamp: time.Unix(0, 0).UTC(),
		Action:    ActionGenesis,
		Actor:     ActorSystem,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}
