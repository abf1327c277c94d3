// Package memory retrieves past strategies relevant to the current cycle.
package memory

import (
	"context"
	"time"

	"github.com/andywolf/walletguard/internal/storage"
)

// Retriever finds past strategies relevant to a query and accepts new ones
// for future retrieval. An empty result means no match, not an error.
type Retriever interface {
	Relevant(ctx context.Context, query string) ([]storage.StrategyRecord, error)
	SaveBatch(ctx context.Context, records []storage.StrategyRecord) error
}

// Backend selects the Retriever implementation.
type Backend string

const (
	BackendAuto  Backend = "auto"
	BackendLocal Backend = "local"
	BackendRAG   Backend = "rag"
)

// Config holds memory configuration.
type Config struct {
	Backend    Backend
	Path       string // local store file
	MaxEntries int
	TopK       int
	RAGURL     string
	RAGSecret  string // HS256 signing secret for the RAG service
	AgentID    string
}

// Entry is a single persisted strategy in the local store.
type Entry struct {
	Record  storage.StrategyRecord `json:"record"`
	SavedAt time.Time              `json:"saved_at"`
}

// Data is the on-disk representation of the local store.
type Data struct {
	Version string  `json:"version"`
	Entries []Entry `json:"entries"`
}

const (
	DefaultMaxEntries = 500
	DefaultTopK       = 3
)
