// Package router implements the Module Router (S1): it scores ERP modules
// against a question by keyword hits and embedding-centroid cosine
// similarity, and narrows retrieval to the top few modules.
package router

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ground/pkg/store"
)

// defaultKeywordTable is illustrative ERP module vocabulary, not a fixed
// taxonomy. Callers with a different module set should supply their own via
// WithKeywordTable.
var defaultKeywordTable = map[string][]string{
	"accounting": {
		"invoice", "ledger", "journal", "account", "accounts payable",
		"accounts receivable", "balance", "reconciliation", "tax", "gl",
	},
	"sales": {
		"order", "quote", "customer", "opportunity", "lead", "deal",
		"sales rep", "pipeline", "commission",
	},
	"inventory": {
		"stock", "warehouse", "sku", "inventory", "reorder", "bin",
		"shipment", "receiving", "pick", "pack",
	},
	"hr": {
		"employee", "payroll", "salary", "leave", "timesheet", "headcount",
		"department", "hire", "onboarding",
	},
	"procurement": {
		"vendor", "supplier", "purchase order", "po", "rfq", "bid",
		"contract", "sourcing",
	},
	"manufacturing": {
		"bom", "work order", "production", "batch", "routing", "yield",
		"scrap", "assembly",
	},
}

const (
	keywordWeight       = 0.15
	fallbackConfidence  = 0.30
	keywordOnlyConstant = 0.20
)

// Method tags how a module's score was derived.
type Method string

const (
	MethodKeyword  Method = "keyword"
	MethodEmbedding Method = "embedding"
	MethodHybrid   Method = "hybrid"
)

// ModuleScore is one module's combined relevance to a question.
type ModuleScore struct {
	Module     string
	Confidence float64
	Method     Method
}

// Router scores and ranks modules for a question.
type Router struct {
	keywordTable map[string][]string
	maxModules   int
	vectorStore  store.VectorStore
	logger       *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithKeywordTable overrides the default per-module keyword vocabulary.
func WithKeywordTable(table map[string][]string) Option {
	return func(r *Router) { r.keywordTable = table }
}

// New builds a Router. maxModules defaults to 3 when <= 0.
func New(vectorStore store.VectorStore, maxModules int, logger *zap.Logger, opts ...Option) *Router {
	if maxModules <= 0 {
		maxModules = 3
	}
	r := &Router{
		keywordTable: defaultKeywordTable,
		maxModules:   maxModules,
		vectorStore:  vectorStore,
		logger:       logger.Named("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route scores modules for question/embedding and returns the top
// maxModules, or an empty slice when confidence is too low to narrow
// retrieval (per the fallback rule).
func (r *Router) Route(ctx context.Context, question string, embedding []float32) []ModuleScore {
	keywordHits := r.keywordHits(question)

	embeddingSims := r.embeddingSimilarities(ctx, embedding)

	modules := make(map[string]bool, len(keywordHits)+len(embeddingSims))
	for m := range keywordHits {
		modules[m] = true
	}
	for m := range embeddingSims {
		modules[m] = true
	}

	type scored struct {
		ModuleScore
		combined float64
	}

	ranked := make([]scored, 0, len(modules))
	for m := range modules {
		hits := keywordHits[m]
		sim := embeddingSims[m]

		confidence := sim
		if keywordOnlyConstant*float64(hits) > confidence {
			confidence = keywordOnlyConstant * float64(hits)
		}

		method := MethodKeyword
		switch {
		case hits > 0 && sim > 0:
			method = MethodHybrid
		case sim > 0:
			method = MethodEmbedding
		}

		ranked = append(ranked, scored{
			ModuleScore: ModuleScore{Module: m, Confidence: confidence, Method: method},
			combined:    sim + keywordWeight*float64(hits),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].combined != ranked[j].combined {
			return ranked[i].combined > ranked[j].combined
		}
		return ranked[i].Module < ranked[j].Module
	})

	scores := make([]ModuleScore, len(ranked))
	for i, s := range ranked {
		scores[i] = s.ModuleScore
	}

	totalKeywordHits := 0
	for _, h := range keywordHits {
		totalKeywordHits += h
	}
	if totalKeywordHits == 0 && (len(scores) == 0 || scores[0].Confidence < fallbackConfidence) {
		return nil
	}

	if len(scores) > r.maxModules {
		scores = scores[:r.maxModules]
	}
	return scores
}

// keywordHits lowercase-tokenizes question and counts, per module, how many
// keywords hit by substring OR whole-token match.
func (r *Router) keywordHits(question string) map[string]int {
	lower := strings.ToLower(question)
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(lower) {
		tokens[strings.Trim(tok, ".,;:!?\"'()")] = true
	}

	hits := make(map[string]int)
	for module, keywords := range r.keywordTable {
		count := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) || tokens[kw] {
				count++
			}
		}
		if count > 0 {
			hits[module] = count
		}
	}
	return hits
}

// embeddingSimilarities fetches module-centroid cosine similarities,
// degrading to empty (keyword-only) on any store failure.
func (r *Router) embeddingSimilarities(ctx context.Context, embedding []float32) map[string]float64 {
	if r.vectorStore == nil || len(embedding) == 0 {
		return nil
	}

	hits, err := r.vectorStore.ModuleCosineSearch(ctx, embedding, r.maxModules+2)
	if err != nil {
		r.logger.Warn("module centroid lookup failed, degrading to keyword-only", zap.Error(err))
		return nil
	}

	sims := make(map[string]float64, len(hits))
	for _, h := range hits {
		sims[h.Module] = h.Similarity
	}
	return sims
}
