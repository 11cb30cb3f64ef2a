package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ground/pkg/store"
)

type fakeVectorStore struct {
	modules []store.ModuleHit
	err     error
}

func (f *fakeVectorStore) CosineSearch(ctx context.Context, embedding []float32, threshold float64, limit int, modules []string) ([]store.CosineHit, error) {
	return nil, nil
}

func (f *fakeVectorStore) ModuleCosineSearch(ctx context.Context, embedding []float32, limit int) ([]store.ModuleHit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.modules, nil
}

func TestRoute_KeywordOnly(t *testing.T) {
	r := New(nil, 3, zap.NewNop())
	scores := r.Route(context.Background(), "show me all open invoices for accounts payable", nil)

	require.NotEmpty(t, scores)
	assert.Equal(t, "accounting", scores[0].Module)
	assert.Equal(t, MethodKeyword, scores[0].Method)
}

func TestRoute_HybridMethodWhenBothSignalsPresent(t *testing.T) {
	vs := &fakeVectorStore{modules: []store.ModuleHit{{Module: "accounting", Similarity: 0.6}}}
	r := New(vs, 3, zap.NewNop())
	scores := r.Route(context.Background(), "show me the invoice ledger", []float32{0.1, 0.2})

	require.NotEmpty(t, scores)
	assert.Equal(t, "accounting", scores[0].Module)
	assert.Equal(t, MethodHybrid, scores[0].Method)
}

func TestRoute_EmbeddingOnlyMethod(t *testing.T) {
	vs := &fakeVectorStore{modules: []store.ModuleHit{{Module: "sales", Similarity: 0.5}}}
	r := New(vs, 3, zap.NewNop())
	scores := r.Route(context.Background(), "gibberish with no module keywords at all", []float32{0.1})

	require.NotEmpty(t, scores)
	assert.Equal(t, MethodEmbedding, scores[0].Method)
}

func TestRoute_FallbackToEmptyWhenNoSignal(t *testing.T) {
	r := New(nil, 3, zap.NewNop())
	scores := r.Route(context.Background(), "completely unrelated question about the weather", nil)
	assert.Empty(t, scores)
}

func TestRoute_VectorStoreFailureDegradesToKeywordOnly(t *testing.T) {
	vs := &fakeVectorStore{err: assert.AnError}
	r := New(vs, 3, zap.NewNop())
	scores := r.Route(context.Background(), "employee payroll and timesheet report", []float32{0.1})

	require.NotEmpty(t, scores)
	assert.Equal(t, "hr", scores[0].Module)
	assert.Equal(t, MethodKeyword, scores[0].Method)
}

func TestRoute_TruncatesToMaxModules(t *testing.T) {
	vs := &fakeVectorStore{modules: []store.ModuleHit{
		{Module: "accounting", Similarity: 0.9},
		{Module: "sales", Similarity: 0.8},
		{Module: "inventory", Similarity: 0.7},
		{Module: "hr", Similarity: 0.6},
	}}
	r := New(vs, 2, zap.NewNop())
	scores := r.Route(context.Background(), "invoice order stock payroll", []float32{0.1})
	assert.Len(t, scores, 2)
}

func TestRoute_CustomKeywordTable(t *testing.T) {
	r := New(nil, 3, zap.NewNop(), WithKeywordTable(map[string][]string{
		"custom": {"widget", "gadget"},
	}))
	scores := r.Route(context.Background(), "how many widgets do we have", nil)
	require.NotEmpty(t, scores)
	assert.Equal(t, "custom", scores[0].Module)
}
