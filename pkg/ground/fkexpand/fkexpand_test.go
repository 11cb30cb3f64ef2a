package fkexpand

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-ground/pkg/models"
	"github.com/ekaya-inc/ekaya-ground/pkg/store"
)

type fakeMeta struct {
	edges    []models.FKEdge
	hubs     map[string]bool
	metadata map[string]models.TableEntry
}

func (f *fakeMeta) TableMetadata(ctx context.Context, tables []string) (map[string]models.TableEntry, error) {
	out := make(map[string]models.TableEntry, len(tables))
	for _, t := range tables {
		if e, ok := f.metadata[t]; ok {
			out[t] = e
		} else {
			out[t] = models.TableEntry{TableName: t}
		}
	}
	return out, nil
}

func (f *fakeMeta) ColumnMetadata(ctx context.Context, tables []string) ([]store.ColumnRow, error) {
	return nil, nil
}

func (f *fakeMeta) ForeignKeys(ctx context.Context, tables []string) ([]models.FKEdge, error) {
	tableSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		tableSet[t] = true
	}
	var out []models.FKEdge
	for _, e := range f.edges {
		if tableSet[e.FromTable] || tableSet[e.ToTable] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeMeta) AllForeignKeys(ctx context.Context) ([]models.FKEdge, error) {
	return f.edges, nil
}

func (f *fakeMeta) HubTables(ctx context.Context, threshold int) (map[string]bool, error) {
	return f.hubs, nil
}

func TestExpand_AddsDirectNeighbors(t *testing.T) {
	meta := &fakeMeta{
		edges: []models.FKEdge{
			{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "id"},
		},
		hubs: map[string]bool{},
	}
	e := New(meta)

	retrieved := []models.TableEntry{{TableName: "orders", Similarity: 0.9}}
	result, err := e.Expand(context.Background(), retrieved, Config{})
	require.NoError(t, err)

	require.Len(t, result.Tables, 2)
	assert.Equal(t, "customers", result.Tables[1].TableName)
	assert.Equal(t, models.SourceFKExpanded, result.Tables[1].Source)
	assert.InDelta(t, 0.72, result.Tables[1].Similarity, 1e-9) // 0.9 * 0.8
}

func TestExpand_StopsAtMaxTables(t *testing.T) {
	meta := &fakeMeta{
		edges: []models.FKEdge{
			{FromTable: "orders", FromColumn: "a", ToTable: "customers", ToColumn: "id"},
			{FromTable: "orders", FromColumn: "b", ToTable: "products", ToColumn: "id"},
		},
	}
	e := New(meta)

	retrieved := []models.TableEntry{{TableName: "orders", Similarity: 0.9}}
	result, err := e.Expand(context.Background(), retrieved, Config{MaxTables: 2})
	require.NoError(t, err)
	assert.Len(t, result.Tables, 2)
}

func TestExpand_HubCapping(t *testing.T) {
	meta := &fakeMeta{
		edges: []models.FKEdge{
			{FromTable: "orders", FromColumn: "a", ToTable: "n1", ToColumn: "id"},
			{FromTable: "orders", FromColumn: "b", ToTable: "n2", ToColumn: "id"},
			{FromTable: "orders", FromColumn: "c", ToTable: "n3", ToColumn: "id"},
		},
		hubs: map[string]bool{"orders": true},
	}
	e := New(meta)

	retrieved := []models.TableEntry{{TableName: "orders", Similarity: 0.9, IsHub: true}}
	result, err := e.Expand(context.Background(), retrieved, Config{HubFKCap: 2, MaxTables: 40})
	require.NoError(t, err)

	assert.Len(t, result.Tables, 3) // orders + 2 capped neighbors
	assert.Contains(t, result.HubTablesCapped, "orders")
}

func TestHubCapMonotonicity(t *testing.T) {
	meta := &fakeMeta{
		edges: []models.FKEdge{
			{FromTable: "orders", FromColumn: "a", ToTable: "n1", ToColumn: "id"},
			{FromTable: "orders", FromColumn: "b", ToTable: "n2", ToColumn: "id"},
			{FromTable: "orders", FromColumn: "c", ToTable: "n3", ToColumn: "id"},
			{FromTable: "orders", FromColumn: "d", ToTable: "n4", ToColumn: "id"},
		},
		hubs: map[string]bool{"orders": true},
	}
	e := New(meta)
	retrieved := []models.TableEntry{{TableName: "orders", Similarity: 0.9, IsHub: true}}

	smallCap, err := e.Expand(context.Background(), retrieved, Config{HubFKCap: 1, MaxTables: 40})
	require.NoError(t, err)
	largeCap, err := e.Expand(context.Background(), retrieved, Config{HubFKCap: 3, MaxTables: 40})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(smallCap.Tables), len(largeCap.Tables))
}

func TestExpand_NonHubNeighborsPreferredOverHubsWhenCapping(t *testing.T) {
	meta := &fakeMeta{
		edges: []models.FKEdge{
			{FromTable: "orders", FromColumn: "a", ToTable: "hub_table", ToColumn: "id"},
			{FromTable: "orders", FromColumn: "b", ToTable: "leaf_table", ToColumn: "id"},
		},
		hubs: map[string]bool{"orders": true, "hub_table": true},
	}
	e := New(meta)

	retrieved := []models.TableEntry{{TableName: "orders", Similarity: 0.9, IsHub: true}}
	result, err := e.Expand(context.Background(), retrieved, Config{HubFKCap: 1, MaxTables: 40})
	require.NoError(t, err)

	require.Len(t, result.Tables, 2)
	assert.Equal(t, "leaf_table", result.Tables[1].TableName)
}

func TestExpand_NoNeighborsIsNoop(t *testing.T) {
	meta := &fakeMeta{}
	e := New(meta)

	retrieved := []models.TableEntry{{TableName: "isolated", Similarity: 0.5}}
	result, err := e.Expand(context.Background(), retrieved, Config{})
	require.NoError(t, err)
	assert.Len(t, result.Tables, 1)
	assert.Empty(t, result.HubTablesCapped)
}

func TestExpand_AlreadyAtMaxTablesSkipsExpansion(t *testing.T) {
	meta := &fakeMeta{
		edges: []models.FKEdge{{FromTable: "orders", FromColumn: "a", ToTable: "customers", ToColumn: "id"}},
	}
	e := New(meta)

	retrieved := []models.TableEntry{{TableName: "orders", Similarity: 0.9}, {TableName: "x", Similarity: 0.1}}
	result, err := e.Expand(context.Background(), retrieved, Config{MaxTables: 2})
	require.NoError(t, err)
	assert.Len(t, result.Tables, 2)
}
