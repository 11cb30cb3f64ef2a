// Package retrieval implements the Hybrid Retriever (S2): it fans out a
// cosine similarity query and a lexical full-text query concurrently, then
// fuses the two ranked lists with Reciprocal Rank Fusion, following the
// teacher corpus's RRF idiom (searchkit/search/rrf.go).
package retrieval

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-ground/pkg/models"
	"github.com/ekaya-inc/ekaya-ground/pkg/store"
)

// rrfK is the RRF stabilizer constant, fixed by spec.
const rrfK = 60

// Config bounds a single retrieval call.
type Config struct {
	TopK            int
	CosineThreshold float64
	MaxTables       int
}

// Retriever runs the hybrid cosine+lexical retrieval for S2.
type Retriever struct {
	vectors store.VectorStore
	lexical store.LexicalStore
	meta    store.MetadataStore
	logger  *zap.Logger
}

func New(vectors store.VectorStore, lexical store.LexicalStore, meta store.MetadataStore, logger *zap.Logger) *Retriever {
	return &Retriever{vectors: vectors, lexical: lexical, meta: meta, logger: logger.Named("retrieval")}
}

// Retrieve fans out the cosine and lexical queries, fuses them with RRF, and
// returns up to cfg.MaxTables TableEntry rows sorted by fused score
// descending, with m_schema/gloss/module populated from the metadata store.
func (r *Retriever) Retrieve(ctx context.Context, questionText string, embedding []float32, moduleFilter []string, cfg Config) ([]models.TableEntry, error) {
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.CosineThreshold <= 0 {
		cfg.CosineThreshold = 0.25
	}
	if cfg.MaxTables <= 0 {
		cfg.MaxTables = 40
	}

	var cosineHits []store.CosineHit
	var lexicalHits []store.LexicalHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(embedding) == 0 {
			return nil
		}
		hits, err := r.vectors.CosineSearch(gctx, embedding, cfg.CosineThreshold, cfg.TopK, moduleFilter)
		if err != nil {
			return err
		}
		cosineHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := r.lexical.LexicalSearch(gctx, questionText, cfg.TopK, moduleFilter)
		if err != nil {
			if err == store.ErrLexicalUnavailable {
				r.logger.Warn("lexical index absent, degrading to empty")
				return nil
			}
			r.logger.Warn("lexical search failed, degrading to empty", zap.Error(err))
			return nil
		}
		lexicalHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fuseRRF(cosineHits, lexicalHits)
	if len(fused) > cfg.MaxTables {
		fused = fused[:cfg.MaxTables]
	}

	return r.hydrate(ctx, fused)
}

// tableKey identifies a table within a single retrieval call.
type tableKey struct {
	schema string
	name   string
}

type fusedEntry struct {
	key        tableKey
	similarity float64
	source     models.TableSource
	rrfScore   float64
}

// fuseRRF combines ranked cosine and lexical hit lists per spec §4.2:
// tables present in both lists sum their RRF contributions and are tagged
// hybrid; cosine-only tables keep their cosine similarity, are tagged
// retrieval, and receive a phantom lexical rank of |lexical|+1; lexical-only
// tables are tagged bm25 with a symmetric phantom cosine rank of
// |cosine|+1. The phantom ranks on both sides keep cosine-only and
// lexical-only tables comparable — without them, lexical-only entries would
// always carry two RRF contributions against cosine-only entries' one.
func fuseRRF(cosineHits []store.CosineHit, lexicalHits []store.LexicalHit) []fusedEntry {
	cosineRank := make(map[tableKey]int, len(cosineHits))
	cosineSim := make(map[tableKey]float64, len(cosineHits))
	for i, h := range cosineHits {
		k := tableKey{h.TableSchema, h.TableName}
		cosineRank[k] = i + 1
		cosineSim[k] = h.Similarity
	}

	lexicalRank := make(map[tableKey]int, len(lexicalHits))
	for i, h := range lexicalHits {
		lexicalRank[tableKey{h.TableSchema, h.TableName}] = i + 1
	}

	seen := make(map[tableKey]bool)
	var out []fusedEntry

	for _, h := range cosineHits {
		k := tableKey{h.TableSchema, h.TableName}
		if seen[k] {
			continue
		}
		seen[k] = true

		cRank := cosineRank[k]
		cScore := rrfScore(cRank)

		if lRank, ok := lexicalRank[k]; ok {
			out = append(out, fusedEntry{
				key:        k,
				similarity: cosineSim[k],
				source:     models.SourceHybrid,
				rrfScore:   cScore + rrfScore(lRank),
			})
			continue
		}

		phantomLexicalRank := len(lexicalHits) + 1 // |lexical|+1: one past the lexical list length
		out = append(out, fusedEntry{
			key:        k,
			similarity: cosineSim[k],
			source:     models.SourceRetrieval,
			rrfScore:   cScore + rrfScore(phantomLexicalRank),
		})
	}

	for _, h := range lexicalHits {
		k := tableKey{h.TableSchema, h.TableName}
		if seen[k] {
			continue
		}
		seen[k] = true

		lRank := lexicalRank[k]
		phantomCosineRank := len(cosineHits) + 1 // |cosine|+1: one past the cosine list length
		out = append(out, fusedEntry{
			key:        k,
			similarity: 0,
			source:     models.SourceBM25,
			rrfScore:   rrfScore(phantomCosineRank) + rrfScore(lRank),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].rrfScore != out[j].rrfScore {
			return out[i].rrfScore > out[j].rrfScore
		}
		if out[i].key.schema != out[j].key.schema {
			return out[i].key.schema < out[j].key.schema
		}
		return out[i].key.name < out[j].key.name
	})

	return out
}

func rrfScore(rank int) float64 {
	if rank <= 0 {
		return 0
	}
	return 1.0 / float64(rrfK+rank)
}

// hydrate fetches module/gloss/m_schema metadata for the fused table list
// and assembles the final TableEntry slice, preserving fusion order.
func (r *Retriever) hydrate(ctx context.Context, fused []fusedEntry) ([]models.TableEntry, error) {
	if len(fused) == 0 {
		return nil, nil
	}

	names := make([]string, len(fused))
	for i, f := range fused {
		names[i] = f.key.name
	}

	meta, err := r.meta.TableMetadata(ctx, names)
	if err != nil {
		return nil, err
	}

	out := make([]models.TableEntry, 0, len(fused))
	for _, f := range fused {
		entry := meta[f.key.name]
		entry.TableName = f.key.name
		if entry.TableSchema == "" {
			entry.TableSchema = f.key.schema
		}
		entry.Similarity = f.similarity
		entry.Source = f.source
		out = append(out, entry)
	}
	return out, nil
}
