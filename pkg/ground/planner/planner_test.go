package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-ground/pkg/models"
)

func packetOf(tables []string, module string, edges []models.FKEdge) *models.SchemaContextPacket {
	entries := make([]models.TableEntry, len(tables))
	for i, t := range tables {
		entries[i] = models.TableEntry{TableName: t, Module: module}
	}
	return &models.SchemaContextPacket{Tables: entries, FKEdges: edges, Modules: []string{module}}
}

func bundleOf(relevant ...string) *models.SchemaLinkBundle {
	b := &models.SchemaLinkBundle{}
	for _, r := range relevant {
		b.LinkedTables = append(b.LinkedTables, models.LinkedTable{Table: r, Relevance: 1.0})
	}
	return b
}

// TestPlan_DiamondGraphYieldsTwoDistinctShortestPaths exercises spec §8's
// "K-shortest diversity" scenario: a diamond A->B, A->C, B->D, C->D with
// required={A,D} and K=3 must yield exactly 2 distinct 2-hop skeletons.
func TestPlan_DiamondGraphYieldsTwoDistinctShortestPaths(t *testing.T) {
	edges := []models.FKEdge{
		{FromTable: "a", FromColumn: "id", ToTable: "b", ToColumn: "a_id"},
		{FromTable: "a", FromColumn: "id", ToTable: "c", ToColumn: "a_id"},
		{FromTable: "b", FromColumn: "id", ToTable: "d", ToColumn: "b_id"},
		{FromTable: "c", FromColumn: "id", ToTable: "d", ToColumn: "c_id"},
	}
	packet := packetOf([]string{"a", "b", "c", "d"}, "core", edges)
	bundle := bundleOf("a", "d")

	p := New()
	plan, err := p.Plan(context.Background(), packet, bundle, Config{TopK: 3})
	require.NoError(t, err)

	require.Len(t, plan.Skeletons, 2)

	seen := make(map[string]bool)
	for _, sk := range plan.Skeletons {
		require.Len(t, sk.Joins, 2)
		key := skeletonKey(sk)
		assert.False(t, seen[key], "skeletons must be distinct")
		seen[key] = true

		tableSet := make(map[string]bool)
		for _, tbl := range sk.Tables {
			tableSet[tbl] = true
		}
		assert.True(t, tableSet["a"])
		assert.True(t, tableSet["d"])
		assert.True(t, tableSet["b"] || tableSet["c"])
	}
}

// TestPlan_ExcludesUnneededBridgeTable exercises spec §8's Q57-style
// scenario: three required tables fanning out from a shared parent, plus an
// unrelated leaf table, must yield a 2-join skeleton that excludes the leaf.
func TestPlan_ExcludesUnneededBridgeTable(t *testing.T) {
	edges := []models.FKEdge{
		{FromTable: "project_budgets", FromColumn: "project_id", ToTable: "projects", ToColumn: "project_id"},
		{FromTable: "project_expenses", FromColumn: "project_id", ToTable: "projects", ToColumn: "project_id"},
		{FromTable: "budgets", FromColumn: "department_id", ToTable: "projects", ToColumn: "department_id"},
	}
	packet := packetOf([]string{"projects", "project_budgets", "project_expenses", "budgets"}, "finance", edges)
	bundle := bundleOf("projects", "project_budgets", "project_expenses")

	p := New()
	plan, err := p.Plan(context.Background(), packet, bundle, Config{TopK: 3})
	require.NoError(t, err)

	require.NotEmpty(t, plan.Skeletons)
	best := plan.Skeletons[0]

	require.Len(t, best.Joins, 2)
	for _, tbl := range best.Tables {
		assert.NotEqual(t, "budgets", tbl)
	}
}

func TestPlan_SingleRequiredTableIsTrivialSkeleton(t *testing.T) {
	packet := packetOf([]string{"customers"}, "core", nil)
	bundle := bundleOf("customers")

	p := New()
	plan, err := p.Plan(context.Background(), packet, bundle, Config{})
	require.NoError(t, err)

	require.Len(t, plan.Skeletons, 1)
	assert.Equal(t, []string{"customers"}, plan.Skeletons[0].Tables)
	assert.Empty(t, plan.Skeletons[0].Joins)
}

func TestPlan_UnreachableRequiredTablesYieldsNoSkeletons(t *testing.T) {
	packet := packetOf([]string{"island_a", "island_b"}, "core", nil)
	bundle := bundleOf("island_a", "island_b")

	p := New()
	plan, err := p.Plan(context.Background(), packet, bundle, Config{})
	require.NoError(t, err)
	assert.Empty(t, plan.Skeletons)
}

// TestPlan_SoundnessJoinsAreSubsetOfInputEdges exercises spec §8's "Join
// planner soundness" property: every emitted join must correspond to an
// input FK edge.
func TestPlan_SoundnessJoinsAreSubsetOfInputEdges(t *testing.T) {
	edges := []models.FKEdge{
		{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "id"},
		{FromTable: "orders", FromColumn: "product_id", ToTable: "products", ToColumn: "id"},
	}
	packet := packetOf([]string{"orders", "customers", "products"}, "sales", edges)
	bundle := bundleOf("orders", "customers", "products")

	p := New()
	plan, err := p.Plan(context.Background(), packet, bundle, Config{})
	require.NoError(t, err)
	require.NotEmpty(t, plan.Skeletons)

	inputKeys := make(map[string]bool, len(edges))
	for _, e := range edges {
		inputKeys[e.Key()] = true
		inputKeys[models.FKEdge{FromTable: e.ToTable, FromColumn: e.ToColumn, ToTable: e.FromTable, ToColumn: e.FromColumn}.Key()] = true
	}

	for _, sk := range plan.Skeletons {
		for _, j := range sk.Joins {
			k := models.FKEdge{FromTable: j.FromTable, FromColumn: j.FromColumn, ToTable: j.ToTable, ToColumn: j.ToColumn}.Key()
			assert.True(t, inputKeys[k], "join %v must be a subset of input edges", j)
		}
	}
}

func TestPlan_CrossModuleDetectedWhenRequiredTablesSpanModules(t *testing.T) {
	edges := []models.FKEdge{
		{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "id"},
	}
	entries := []models.TableEntry{
		{TableName: "orders", Module: "sales"},
		{TableName: "customers", Module: "crm"},
	}
	packet := &models.SchemaContextPacket{Tables: entries, FKEdges: edges, Modules: []string{"sales", "crm"}}
	bundle := bundleOf("orders", "customers")

	p := New()
	plan, err := p.Plan(context.Background(), packet, bundle, Config{})
	require.NoError(t, err)
	assert.True(t, plan.CrossModuleDetected)
	assert.ElementsMatch(t, []string{"crm", "sales"}, plan.ModulesUsed)
}

func TestHashEdges_OrderInsensitive(t *testing.T) {
	a := []models.FKEdge{
		{FromTable: "a", FromColumn: "x", ToTable: "b", ToColumn: "y"},
		{FromTable: "c", FromColumn: "x", ToTable: "d", ToColumn: "y"},
	}
	b := []models.FKEdge{a[1], a[0]}
	assert.Equal(t, hashEdges(a), hashEdges(b))
}

func TestModuleSubgraphCache_CachesByEdgeHash(t *testing.T) {
	c := newModuleSubgraphCache()
	tables := []models.TableEntry{{TableName: "a", Module: "core"}, {TableName: "b", Module: "core"}}
	edges := []models.FKEdge{{FromTable: "a", FromColumn: "id", ToTable: "b", ToColumn: "a_id"}}

	first := c.get(tables, edges)
	second := c.get(tables, edges)
	assert.Equal(t, first, second)
}
