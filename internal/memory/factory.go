package memory

import (
	"context"
	"fmt"
	"log"
	"time"
)

// New returns the Retriever selected by cfg. In auto mode the RAG service
// is used when its health check answers, otherwise the local store.
func New(ctx context.Context, cfg Config, logger *log.Logger) (Retriever, error) {
	switch cfg.Backend {
	case BackendRAG:
		return newRAG(cfg)
	case BackendLocal:
		return newLocal(cfg)
	case BackendAuto, "":
		rag, err := newRAG(cfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = rag.Ping(pingCtx)
			cancel()
			if err == nil {
				logger.Printf("RAG service detected at %s", rag.baseURL)
				return rag, nil
			}
		}
		logger.Printf("RAG service unavailable (%v), using local memory at %s", err, cfg.Path)
		return newLocal(cfg)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

func newRAG(cfg Config) (*RAGClient, error) {
	opts := []RAGOption{WithTopK(cfg.TopK)}
	if cfg.RAGSecret != "" {
		signer, err := NewTokenSigner(cfg.AgentID, cfg.RAGSecret)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSigner(signer))
	}
	return NewRAGClient(cfg.RAGURL, cfg.AgentID, opts...), nil
}

func newLocal(cfg Config) (*LocalStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("local memory path is required")
	}
	s := NewLocalStore(cfg.Path, cfg)
	if err := s.Load(); err != nil {
		return nil, fmt.Errorf("failed to load local memory: %w", err)
	}
	return s, nil
}
