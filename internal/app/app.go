// Package app wires the pipeline components selected by configuration.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"inboxpilot/internal/model"
	"inboxpilot/internal/repository"
	"inboxpilot/internal/service/classifier"
	"inboxpilot/internal/service/inference"
	"inboxpilot/internal/service/knowledge"
	"inboxpilot/internal/service/orchestrator"
	"inboxpilot/internal/service/reply"
	"inboxpilot/internal/service/ticket"
	"inboxpilot/pkg/config"
)

// Deps are the shared connections. Either may be nil when the configuration
// does not need it; Build fails if a selected backend is missing its connection.
type Deps struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

// NeedsDB reports whether cfg selects a PostgreSQL backed component.
func NeedsDB(cfg *config.Config) bool {
	return cfg.Tickets.Store == "postgres" || cfg.Knowledge.Source == "postgres"
}

// NeedsRedis reports whether cfg selects Redis group locks.
func NeedsRedis(cfg *config.Config) bool {
	return cfg.Tickets.Lock == "redis"
}

// Pipeline is everything an entrypoint needs to triage email.
type Pipeline struct {
	Orchestrator *orchestrator.Orchestrator
	Tickets      *ticket.Service
	Retriever    *knowledge.Retriever
}

// Build constructs the pipeline. The knowledge base is loaded and indexed here.
func Build(ctx context.Context, cfg *config.Config, deps Deps, log *zap.Logger) (*Pipeline, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var client *inference.Client
	if cfg.Pipeline.Classifier == "model" || cfg.Pipeline.Composer == "model" || cfg.Knowledge.Representer == "embedding" {
		client = inference.NewClient(cfg.Agent, log)
	}

	var cls classifier.Classifier = classifier.NewRuleClassifier(log)
	if cfg.Pipeline.Classifier == "model" {
		cls = classifier.NewModelClassifier(client, log)
	}

	var composer reply.Composer = reply.NewTemplateComposer()
	if cfg.Pipeline.Composer == "model" {
		composer = reply.NewModelComposer(client, log)
	}

	retriever, err := buildRetriever(ctx, cfg, deps, client, log)
	if err != nil {
		return nil, err
	}

	store, err := buildTicketStore(cfg, deps, log)
	if err != nil {
		return nil, err
	}
	tickets := ticket.NewService(store, log)

	orch := orchestrator.New(cls, retriever, tickets, composer, orchestrator.ConfigFrom(cfg.Pipeline, cfg.Knowledge), log)

	log.Info("Pipeline ready",
		zap.String("classifier", cfg.Pipeline.Classifier),
		zap.String("composer", cfg.Pipeline.Composer),
		zap.String("knowledge_source", cfg.Knowledge.Source),
		zap.String("representer", cfg.Knowledge.Representer),
		zap.Int("kb_entries", retriever.Len()),
		zap.String("ticket_store", cfg.Tickets.Store),
		zap.String("ticket_lock", cfg.Tickets.Lock),
	)
	return &Pipeline{Orchestrator: orch, Tickets: tickets, Retriever: retriever}, nil
}

// KnowledgeSource returns the configured knowledge base source.
func KnowledgeSource(cfg *config.Config, deps Deps) (knowledge.Source, error) {
	switch cfg.Knowledge.Source {
	case "postgres":
		if deps.DB == nil {
			return nil, fmt.Errorf("knowledge.source=postgres needs a database connection")
		}
		return repository.NewKnowledgeRepository(deps.DB), nil
	case "file", "":
		return knowledge.FileSource{Path: cfg.Knowledge.Path}, nil
	default:
		return nil, fmt.Errorf("unknown knowledge.source %q", cfg.Knowledge.Source)
	}
}

func buildRetriever(ctx context.Context, cfg *config.Config, deps Deps, client *inference.Client, log *zap.Logger) (*knowledge.Retriever, error) {
	source, err := KnowledgeSource(cfg, deps)
	if err != nil {
		return nil, err
	}
	entries, err := source.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge base: %w", err)
	}

	var rep knowledge.Representer
	switch cfg.Knowledge.Representer {
	case "embedding":
		rep = knowledge.NewEmbeddingRepresenter(client)
	case "tfidf", "":
		rep = knowledge.NewTFIDF(texts(entries))
	default:
		return nil, fmt.Errorf("unknown knowledge.representer %q", cfg.Knowledge.Representer)
	}

	return knowledge.NewRetriever(ctx, entries, rep, knowledge.Options{
		MinScore:         cfg.Knowledge.MinScore,
		IndexConcurrency: cfg.Pipeline.Workers,
	}, log)
}

func buildTicketStore(cfg *config.Config, deps Deps, log *zap.Logger) (ticket.Store, error) {
	if cfg.Tickets.Store == "postgres" {
		if deps.DB == nil {
			return nil, fmt.Errorf("tickets.store=postgres needs a database connection")
		}
		// 组锁由 advisory lock 负责，不需要 locker
		return repository.NewTicketRepository(deps.DB, log), nil
	}

	var locker ticket.Locker
	if cfg.Tickets.Lock == "redis" {
		if deps.Redis == nil {
			return nil, fmt.Errorf("tickets.lock=redis needs a redis connection")
		}
		locker = ticket.NewRedisLocker(deps.Redis, cfg.Tickets.LockTTL, log)
	}
	return ticket.NewMemoryStore(locker), nil
}

func texts(entries []model.KnowledgeEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}
