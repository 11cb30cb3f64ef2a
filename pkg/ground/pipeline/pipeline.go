// Package pipeline wires the seven grounding stages (S1 Module Router
// through S7 Candidate Reranker) into a single Run call, minting the
// packet's query_id/created_at once and honoring feature-flag gates for
// the optional stages, following the teacher's top-level orchestrator
// idiom of composing independently-testable stage structs rather than a
// monolithic function.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ground/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ground/pkg/config"
	"github.com/ekaya-inc/ekaya-ground/pkg/ground/fkexpand"
	"github.com/ekaya-inc/ekaya-ground/pkg/ground/linker"
	"github.com/ekaya-inc/ekaya-ground/pkg/ground/planner"
	"github.com/ekaya-inc/ekaya-ground/pkg/ground/rerank"
	"github.com/ekaya-inc/ekaya-ground/pkg/ground/retrieval"
	"github.com/ekaya-inc/ekaya-ground/pkg/ground/router"
	"github.com/ekaya-inc/ekaya-ground/pkg/ground/sqlvalidate"
	"github.com/ekaya-inc/ekaya-ground/pkg/models"
	"github.com/ekaya-inc/ekaya-ground/pkg/sidecar"
	"github.com/ekaya-inc/ekaya-ground/pkg/store"
)

// embeddingTimeout bounds the S1/S2 question-embedding call per spec §5.
const embeddingTimeout = 30 * time.Second

// Result is everything a single grounding run produces, handed to callers
// (the CLI, or an API layer out of scope here) for inspection or reuse.
type Result struct {
	SchemaContext *models.SchemaContextPacket
	SchemaLink    *models.SchemaLinkBundle
	JoinPlan      *models.JoinPlan
	Candidates    []models.SQLCandidate
	RerankDetails []models.RerankDetail
}

// Pipeline composes the grounding stages behind a single entrypoint.
type Pipeline struct {
	router    *router.Router
	retriever *retrieval.Retriever
	expander  *fkexpand.Expander
	linker    *linker.Linker
	planner   *planner.Planner
	reranker  *rerank.Reranker
	generator sidecar.Generator
	embedder  sidecar.Embedder
	cfg       config.Config
	logger    *zap.Logger
}

// New builds a Pipeline from the shared stores, the sidecar client, an
// optional value-verification backend, and the loaded configuration.
func New(
	vectors store.VectorStore,
	lexical store.LexicalStore,
	meta store.MetadataStore,
	generator sidecar.Generator,
	embedder sidecar.Embedder,
	verifier rerank.ValueVerifier,
	cfg config.Config,
	logger *zap.Logger,
) *Pipeline {
	logger = logger.Named("pipeline")

	rerankCfg := rerank.Config{
		Weights: rerank.Weights{
			SchemaAdherence:   cfg.Reranker.SchemaAdherence,
			JoinMatch:         cfg.Reranker.JoinMatch,
			ResultShape:       cfg.Reranker.ResultShape,
			ValueVerification: cfg.Reranker.ValueVerification,
		},
		ValueVerificationEnabled: cfg.Features.ValueVerification,
	}

	return &Pipeline{
		router:    router.New(vectors, cfg.MaxModules, logger),
		retriever: retrieval.New(vectors, lexical, meta, logger),
		expander:  fkexpand.New(meta),
		linker:    linker.New(meta),
		planner:   planner.New(),
		reranker:  rerank.New(rerankCfg, verifier),
		generator: generator,
		embedder:  embedder,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes S1 through S7 for one question against one database and
// returns the grounded schema context, the join plan, and the reranked
// SQL candidates.
func (p *Pipeline) Run(ctx context.Context, databaseID, question string) (*Result, error) {
	queryID := uuid.New()
	createdAt := time.Now()

	embedding := p.embedQuestion(ctx, question)

	var moduleFilter []string
	if p.cfg.Features.ModuleRouter {
		scores := p.router.Route(ctx, question, embedding)
		moduleFilter = make([]string, len(scores))
		for i, s := range scores {
			moduleFilter[i] = s.Module
		}
	}

	retrieveCfg := retrieval.Config{TopK: p.cfg.TopK, CosineThreshold: p.cfg.CosineThreshold, MaxTables: p.cfg.MaxTables}
	retrieved, err := p.retriever.Retrieve(ctx, question, embedding, moduleFilter, retrieveCfg)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "hybrid retrieval failed", false, err)
	}

	expandCfg := fkexpand.Config{FKExpansionLimit: p.cfg.FKExpansionLimit, MaxTables: p.cfg.MaxTables, HubFKCap: p.cfg.HubFKCap}
	expanded, err := p.expander.Expand(ctx, retrieved, expandCfg)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "fk expansion failed", false, err)
	}

	packet := assemblePacket(queryID, databaseID, question, createdAt, retrieved, expanded, p.cfg.CosineThreshold)

	var bundle *models.SchemaLinkBundle
	if p.cfg.Features.SchemaLinker {
		bundle, err = p.linker.Link(ctx, question, packet)
		if err != nil {
			return nil, apperrors.New(apperrors.KindInternal, "schema linking failed", false, err)
		}
	} else {
		bundle = &models.SchemaLinkBundle{}
	}

	var plan *models.JoinPlan
	if p.cfg.Features.JoinPlanner {
		plan, err = p.planner.Plan(ctx, packet, bundle, planner.Config{TopK: p.cfg.JoinPlannerTopK})
		if err != nil {
			return nil, apperrors.New(apperrors.KindInternal, "join planning failed", false, err)
		}
	}

	genResult, err := p.generator.GenerateSQL(ctx, question, packet, bundle, plan)
	if err != nil {
		return nil, apperrors.New(apperrors.KindGenerationFailed, "sql generation failed", true, err)
	}

	candidates := p.validateCandidates(genResult, packet)

	rerankResult := models.RerankResult{Candidates: candidates}
	if p.cfg.Features.Reranker {
		rctx := rerank.Context{Question: question, SchemaLinkBundle: bundle, JoinPlan: plan, SchemaContext: packet}
		rerankResult, err = p.reranker.Rerank(ctx, candidates, rctx)
		if err != nil {
			return nil, apperrors.New(apperrors.KindInternal, "reranking failed", false, err)
		}
	}

	return &Result{
		SchemaContext: packet,
		SchemaLink:    bundle,
		JoinPlan:      plan,
		Candidates:    rerankResult.Candidates,
		RerankDetails: rerankResult.Details,
	}, nil
}

// embedQuestion requests the question embedding under a bounded timeout,
// degrading to a nil embedding (keyword-only routing, cosine-skip
// retrieval) on any failure rather than failing the whole run.
func (p *Pipeline) embedQuestion(ctx context.Context, question string) []float32 {
	if p.embedder == nil {
		return nil
	}
	embedCtx, cancel := context.WithTimeout(ctx, embeddingTimeout)
	defer cancel()

	result, err := p.embedder.Embed(embedCtx, question, "")
	if err != nil {
		p.logger.Warn("question embedding failed, degrading to keyword-only", zap.Error(err))
		return nil
	}
	return result.Embedding
}

// assemblePacket merges retrieval and FK-expansion output into the
// immutable SchemaContextPacket, collecting the sorted module set and the
// retrieval diagnostics.
func assemblePacket(
	queryID uuid.UUID,
	databaseID, question string,
	createdAt time.Time,
	retrieved []models.TableEntry,
	expanded fkexpand.Result,
	thresholdUsed float64,
) *models.SchemaContextPacket {
	moduleSeen := make(map[string]bool)
	var modules []string
	for _, t := range expanded.Tables {
		if t.Module != "" && !moduleSeen[t.Module] {
			moduleSeen[t.Module] = true
			modules = append(modules, t.Module)
		}
	}
	sort.Strings(modules)

	return &models.SchemaContextPacket{
		QueryID:    queryID,
		DatabaseID: databaseID,
		Question:   question,
		CreatedAt:  createdAt,
		Tables:     expanded.Tables,
		FKEdges:    expanded.FKEdges,
		Modules:    modules,
		RetrievalMeta: models.RetrievalMeta{
			CandidatesConsidered: len(retrieved),
			ThresholdUsed:        thresholdUsed,
			RetrievalSourceCount: len(retrieved),
			FKExpansionCount:     len(expanded.Tables) - len(retrieved),
			HubTablesCapped:      expanded.HubTablesCapped,
		},
	}
}

// validateCandidates runs S6 over every candidate the sidecar returned,
// attaching each one's LintResult and using the packet's bare table names
// as the validator's allowlist.
func (p *Pipeline) validateCandidates(genResult *sidecar.GenerateSQLResult, packet *models.SchemaContextPacket) []models.SQLCandidate {
	allowed := make(map[string]bool, len(packet.Tables))
	for _, t := range packet.Tables {
		allowed[t.TableName] = true
	}

	validator := sqlvalidate.New(sqlvalidate.Config{
		MaxLimit:      p.cfg.ValidatorMaxLimit,
		MaxJoins:      p.cfg.ValidatorMaxJoins,
		RequireLimit:  p.cfg.ValidatorRequireLimit,
		AllowedTables: allowed,
	})

	candidates := make([]models.SQLCandidate, len(genResult.SQLCandidates))
	for i, c := range genResult.SQLCandidates {
		lint := validator.Validate(c.SQL)
		candidates[i] = models.SQLCandidate{
			SQL:             lint.NormalizedSQL,
			Index:           c.Index,
			Score:           c.Score,
			StructuralValid: lint.Valid,
			LintResult:      &lint,
			Rejected:        !lint.ExecutableSafely,
		}
		if candidates[i].Rejected {
			candidates[i].RejectionReason = "failed validator fail-fast rule"
		}
	}
	return candidates
}
