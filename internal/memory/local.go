package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/andywolf/walletguard/internal/storage"
)

// LocalStore keeps strategies in a JSON file and ranks them by keyword
// overlap with the query.
type LocalStore struct {
	mu         sync.Mutex
	filePath   string
	data       *Data
	maxEntries int
	topK       int
}

// NewLocalStore creates a store backed by path.
func NewLocalStore(path string, config Config) *LocalStore {
	maxEntries := config.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	topK := config.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &LocalStore{
		filePath:   path,
		data:       &Data{Version: "1", Entries: []Entry{}},
		maxEntries: maxEntries,
		topK:       topK,
	}
}

// Load reads the store file. A missing or corrupt file leaves the store
// empty without error.
func (s *LocalStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	s.data = &data
	return nil
}

func (s *LocalStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, raw, 0644)
}

// SaveBatch adds records, replacing any with the same ID, prunes and
// writes the file.
func (s *LocalStore) SaveBatch(_ context.Context, records []storage.StrategyRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	index := make(map[string]int, len(s.data.Entries))
	for i, e := range s.data.Entries {
		index[e.Record.ID] = i
	}
	for _, rec := range records {
		if i, ok := index[rec.ID]; ok && rec.ID != "" {
			s.data.Entries[i] = Entry{Record: rec, SavedAt: now}
			continue
		}
		s.data.Entries = append(s.data.Entries, Entry{Record: rec, SavedAt: now})
		index[rec.ID] = len(s.data.Entries) - 1
	}
	s.prune()
	return s.save()
}

// Relevant returns up to topK records sharing terms with query, best match
// first and newest first among equal scores.
func (s *LocalStore) Relevant(_ context.Context, query string) ([]storage.StrategyRecord, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		rec   storage.StrategyRecord
		score int
	}
	var matches []scored
	for _, e := range s.data.Entries {
		doc := tokenize(e.Record.SummarizedDesc + " " + e.Record.FullDesc + " " + e.Record.Param("notif_str"))
		score := 0
		for term := range terms {
			if _, ok := doc[term]; ok {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{rec: e.Record, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].rec.CreatedAt.After(matches[j].rec.CreatedAt)
	})
	if len(matches) > s.topK {
		matches = matches[:s.topK]
	}

	out := make([]storage.StrategyRecord, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.rec)
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.Entries)
}

// prune drops the oldest entries when the store exceeds maxEntries.
func (s *LocalStore) prune() int {
	if len(s.data.Entries) <= s.maxEntries {
		return 0
	}
	excess := len(s.data.Entries) - s.maxEntries
	s.data.Entries = s.data.Entries[excess:]
	return excess
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "are": true, "was": true, "new": true,
}

func tokenize(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) < 3 || stopWords[w] {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

var _ Retriever = (*LocalStore)(nil)
