// Package store is the Postgres-backed vector, lexical, and metadata store
// for the grounding pipeline: table/module embeddings, schema metadata, and
// foreign-key edges, queried with cosine distance and full-text ranking.
package store

import (
	"context"

	"github.com/ekaya-inc/ekaya-ground/pkg/models"
)

// CosineHit is one row returned by a cosine similarity query.
type CosineHit struct {
	TableSchema string
	TableName   string
	Similarity  float64
}

// LexicalHit is one row returned by a full-text query, ranked by
// ts_rank_cd. Score is a BM25-family relevance score, not a similarity in
// [0,1].
type LexicalHit struct {
	TableSchema string
	TableName   string
	Score       float64
}

// ModuleHit is one row returned by a module-centroid cosine query.
type ModuleHit struct {
	Module     string
	Similarity float64
}

// VectorStore queries dense embeddings over tables and module centroids.
type VectorStore interface {
	// CosineSearch returns up to limit tables whose embedding has cosine
	// similarity >= threshold against embedding, optionally restricted to
	// modules.
	CosineSearch(ctx context.Context, embedding []float32, threshold float64, limit int, modules []string) ([]CosineHit, error)

	// ModuleCosineSearch returns up to limit modules ranked by cosine
	// similarity of their centroid embedding against embedding.
	ModuleCosineSearch(ctx context.Context, embedding []float32, limit int) ([]ModuleHit, error)
}

// LexicalStore runs full-text search over table metadata (name + gloss +
// column names). Implementations degrade to ErrLexicalUnavailable when the
// search_vector column is absent.
type LexicalStore interface {
	LexicalSearch(ctx context.Context, query string, limit int, modules []string) ([]LexicalHit, error)
}

// MetadataStore reads table/column/FK metadata needed by the linker,
// FK expander, and join planner.
type MetadataStore interface {
	// TableMetadata fetches the module, gloss, and compact m_schema
	// encoding for a set of tables.
	TableMetadata(ctx context.Context, tables []string) (map[string]models.TableEntry, error)

	// ColumnMetadata fetches column-level metadata for a set of tables,
	// used to build glosses and schema-linking candidates.
	ColumnMetadata(ctx context.Context, tables []string) ([]ColumnRow, error)

	// ForeignKeys fetches all FK edges touching any of the given tables.
	ForeignKeys(ctx context.Context, tables []string) ([]models.FKEdge, error)

	// AllForeignKeys fetches the full FK graph, used by the join planner
	// to build module subgraphs.
	AllForeignKeys(ctx context.Context) ([]models.FKEdge, error)

	// HubTables returns the set of tables flagged is_hub or with
	// fk_degree > the given threshold.
	HubTables(ctx context.Context, fkDegreeThreshold int) (map[string]bool, error)
}

// ColumnRow is one row of rag.schema_columns.
type ColumnRow struct {
	TableName       string
	ColumnName      string
	DataType        string
	IsPK            bool
	IsFK            bool
	FKTargetTable   string
	FKTargetColumn  string
	InferredGloss   string
	OrdinalPosition int
}

// ErrLexicalUnavailable is returned by LexicalSearch when search_vector is
// absent from rag.schema_tables. Callers should warn and degrade to an
// empty result, not fail the request.
var ErrLexicalUnavailable = lexicalUnavailableError{}

type lexicalUnavailableError struct{}

func (lexicalUnavailableError) Error() string {
	return "lexical index unavailable: search_vector column missing"
}
