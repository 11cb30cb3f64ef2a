package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ground/pkg/config"
	"github.com/ekaya-inc/ekaya-ground/pkg/models"
	"github.com/ekaya-inc/ekaya-ground/pkg/sidecar"
	"github.com/ekaya-inc/ekaya-ground/pkg/store"
)

type fakeStore struct {
	cosineHits  []store.CosineHit
	lexicalHits []store.LexicalHit
	tableMeta   map[string]models.TableEntry
	fkEdges     []models.FKEdge
}

func (f *fakeStore) CosineSearch(ctx context.Context, embedding []float32, threshold float64, limit int, modules []string) ([]store.CosineHit, error) {
	return f.cosineHits, nil
}

func (f *fakeStore) ModuleCosineSearch(ctx context.Context, embedding []float32, limit int) ([]store.ModuleHit, error) {
	return nil, nil
}

func (f *fakeStore) LexicalSearch(ctx context.Context, query string, limit int, modules []string) ([]store.LexicalHit, error) {
	return f.lexicalHits, nil
}

func (f *fakeStore) TableMetadata(ctx context.Context, tables []string) (map[string]models.TableEntry, error) {
	out := make(map[string]models.TableEntry, len(tables))
	for _, t := range tables {
		out[t] = f.tableMeta[t]
	}
	return out, nil
}

func (f *fakeStore) ColumnMetadata(ctx context.Context, tables []string) ([]store.ColumnRow, error) {
	return nil, nil
}

func (f *fakeStore) ForeignKeys(ctx context.Context, tables []string) ([]models.FKEdge, error) {
	return f.fkEdges, nil
}

func (f *fakeStore) AllForeignKeys(ctx context.Context) ([]models.FKEdge, error) {
	return f.fkEdges, nil
}

func (f *fakeStore) HubTables(ctx context.Context, fkDegreeThreshold int) (map[string]bool, error) {
	return nil, nil
}

type fakeGenerator struct {
	result *sidecar.GenerateSQLResult
}

func (f *fakeGenerator) GenerateSQL(ctx context.Context, question string, schemaContext, linkedBundle, joinPlan any) (*sidecar.GenerateSQLResult, error) {
	return f.result, nil
}

func (f *fakeGenerator) RepairSQL(ctx context.Context, sql string, errs []string, schemaContext any) (*sidecar.GenerateSQLResult, error) {
	return f.result, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text, model string) (*sidecar.EmbedResult, error) {
	return &sidecar.EmbedResult{Embedding: []float32{0.1, 0.2, 0.3}}, nil
}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, model string) (*sidecar.EmbedBatchResult, error) {
	return &sidecar.EmbedBatchResult{}, nil
}

func testConfig() config.Config {
	return config.Config{
		TopK:                  10,
		CosineThreshold:       0.25,
		FKExpansionLimit:      10,
		HubFKCap:              8,
		MaxTables:             40,
		MaxModules:            3,
		JoinPlannerTopK:       3,
		ValidatorMaxLimit:     1000,
		ValidatorMaxJoins:     5,
		ValidatorRequireLimit: true,
		Reranker:              config.RerankerWeights{SchemaAdherence: 15, JoinMatch: 20, ResultShape: 10, ValueVerification: 10},
		Features: config.FeatureFlags{
			ModuleRouter: true, BM25Search: true, SchemaLinker: true,
			Glosses: true, JoinPlanner: true, Reranker: true,
		},
	}
}

// TestRun_ProducesGroundedPacketAndRerankedCandidates exercises the full
// S1-S7 wiring end to end against fakes.
func TestRun_ProducesGroundedPacketAndRerankedCandidates(t *testing.T) {
	st := &fakeStore{
		cosineHits: []store.CosineHit{{TableSchema: "public", TableName: "employees", Similarity: 0.9}},
		tableMeta: map[string]models.TableEntry{
			"employees": {TableName: "employees", Module: "hr", MSchema: "id: int, name: text, dept: text"},
		},
	}
	gen := &fakeGenerator{result: &sidecar.GenerateSQLResult{
		SQLCandidates: []sidecar.SQLCandidateResponse{
			{SQL: "SELECT COUNT(*) FROM employees", Index: 0, Score: 1.0},
		},
	}}

	p := New(st, st, st, gen, fakeEmbedder{}, nil, testConfig(), zap.NewNop())
	result, err := p.Run(context.Background(), "db-1", "how many employees are there")
	require.NoError(t, err)

	require.NotNil(t, result.SchemaContext)
	assert.Equal(t, "db-1", result.SchemaContext.DatabaseID)
	assert.True(t, result.SchemaContext.HasTable("employees"))
	require.Len(t, result.Candidates, 1)
	assert.False(t, result.Candidates[0].Rejected)
}

// TestRun_RejectsDangerousCandidate exercises S6 gating a generated
// candidate that the sidecar itself proposed unsafely.
func TestRun_RejectsDangerousCandidate(t *testing.T) {
	st := &fakeStore{
		cosineHits: []store.CosineHit{{TableSchema: "public", TableName: "employees", Similarity: 0.9}},
		tableMeta: map[string]models.TableEntry{
			"employees": {TableName: "employees", Module: "hr", MSchema: "id: int"},
		},
	}
	gen := &fakeGenerator{result: &sidecar.GenerateSQLResult{
		SQLCandidates: []sidecar.SQLCandidateResponse{
			{SQL: "DELETE FROM employees", Index: 0, Score: 1.0},
		},
	}}

	p := New(st, st, st, gen, fakeEmbedder{}, nil, testConfig(), zap.NewNop())
	result, err := p.Run(context.Background(), "db-1", "delete everyone")
	require.NoError(t, err)

	require.Len(t, result.Candidates, 1)
	assert.True(t, result.Candidates[0].Rejected)
}

// TestRun_DeterminismAcrossRepeatedCalls exercises spec §8's
// "Determinism" property: fixed inputs yield an identical table set,
// identical join plan, and identical reranked ordering modulo query_id and
// created_at.
func TestRun_DeterminismAcrossRepeatedCalls(t *testing.T) {
	st := &fakeStore{
		cosineHits: []store.CosineHit{
			{TableSchema: "public", TableName: "orders", Similarity: 0.9},
			{TableSchema: "public", TableName: "customers", Similarity: 0.8},
		},
		tableMeta: map[string]models.TableEntry{
			"orders":    {TableName: "orders", Module: "sales", MSchema: "id: int, customer_id: int"},
			"customers": {TableName: "customers", Module: "sales", MSchema: "id: int, name: text"},
		},
		fkEdges: []models.FKEdge{{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "id"}},
	}
	gen := &fakeGenerator{result: &sidecar.GenerateSQLResult{
		SQLCandidates: []sidecar.SQLCandidateResponse{
			{SQL: "SELECT * FROM orders o JOIN customers c ON o.customer_id = c.id", Index: 0, Score: 1.0},
		},
	}}

	p := New(st, st, st, gen, fakeEmbedder{}, nil, testConfig(), zap.NewNop())

	first, err := p.Run(context.Background(), "db-1", "list orders with customers")
	require.NoError(t, err)
	second, err := p.Run(context.Background(), "db-1", "list orders with customers")
	require.NoError(t, err)

	assert.ElementsMatch(t, first.SchemaContext.Tables, second.SchemaContext.Tables)
	assert.Equal(t, first.JoinPlan.Skeletons, second.JoinPlan.Skeletons)
	assert.Equal(t, len(first.Candidates), len(second.Candidates))
	for i := range first.Candidates {
		assert.Equal(t, first.Candidates[i].SQL, second.Candidates[i].SQL)
	}
}

func TestRun_DegradesWhenEmbedderMissing(t *testing.T) {
	st := &fakeStore{
		cosineHits: []store.CosineHit{{TableSchema: "public", TableName: "employees", Similarity: 0.9}},
		tableMeta: map[string]models.TableEntry{
			"employees": {TableName: "employees", Module: "hr", MSchema: "id: int"},
		},
	}
	gen := &fakeGenerator{result: &sidecar.GenerateSQLResult{}}

	p := New(st, st, st, gen, nil, nil, testConfig(), zap.NewNop())
	result, err := p.Run(context.Background(), "db-1", "how many employees")
	require.NoError(t, err)
	assert.NotNil(t, result.SchemaContext)
}
