package rerank

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-ground/pkg/models"
)

type fakeVerifier struct {
	exists map[string]bool // "table.column.value" -> exists
}

func (f *fakeVerifier) ValueExists(ctx context.Context, table, column, value string) (bool, error) {
	return f.exists[table+"."+column+"."+value], nil
}

func packetWithTables(names ...string) *models.SchemaContextPacket {
	entries := make([]models.TableEntry, len(names))
	for i, n := range names {
		entries[i] = models.TableEntry{TableName: n, MSchema: "id: int, name: text"}
	}
	return &models.SchemaContextPacket{Tables: entries}
}

// TestRerank_AggregationShapeScoringCountBeatsSum exercises spec §8
// scenario 7: a "how many" question scores a COUNT candidate strictly
// higher than a SUM candidate on result shape.
func TestRerank_AggregationShapeScoringCountBeatsSum(t *testing.T) {
	countScore := scoreResultShape("How many employees are in engineering?", "SELECT COUNT(*) FROM employees WHERE dept = 'engineering'")
	sumScore := scoreResultShape("How many employees are in engineering?", "SELECT SUM(salary) FROM employees WHERE dept = 'engineering'")

	assert.Greater(t, countScore, sumScore)
}

// TestRerank_UnknownExpectationScoresNeutral exercises spec §4.7.3: when
// the question gives no aggregation cue, result-shape scoring is neutral
// (0.5) rather than falling through to the 0.3 "both non-list, mismatched"
// case.
func TestRerank_UnknownExpectationScoresNeutral(t *testing.T) {
	score := scoreResultShape("Engineering staff overview", "SELECT COUNT(*) FROM employees")
	assert.Equal(t, 0.5, score)
}

// TestRerank_SchemaAdherenceBounds exercises spec §8's "Schema adherence
// bounds" universal property.
func TestRerank_SchemaAdherenceBounds(t *testing.T) {
	knownTables := map[string]bool{"employees": true}
	knownColumns := map[string]bool{"id": true, "name": true}

	cases := []string{
		"SELECT id, name FROM employees",
		"SELECT id, ghost_column FROM employees",
		"SELECT id FROM unknown_table",
		"SELECT 1",
	}
	for _, sql := range cases {
		tableScore, columnScore, combined := scoreSchemaAdherence(sql, knownTables, knownColumns)
		assert.GreaterOrEqual(t, tableScore, 0.0)
		assert.LessOrEqual(t, tableScore, 1.0)
		assert.GreaterOrEqual(t, columnScore, 0.0)
		assert.LessOrEqual(t, columnScore, 1.0)
		assert.GreaterOrEqual(t, combined, 0.0)
		assert.LessOrEqual(t, combined, 1.0)
	}
}

// TestRerank_NonDestructiveness exercises spec §8's "Reranker
// non-destructiveness" property: the output candidate set is a
// permutation of the input, never adding or dropping candidates.
func TestRerank_NonDestructiveness(t *testing.T) {
	candidates := []models.SQLCandidate{
		{SQL: "SELECT id FROM employees", Index: 0},
		{SQL: "SELECT COUNT(*) FROM employees", Index: 1},
		{SQL: "SELECT name FROM customers", Index: 2},
	}
	rctx := Context{
		Question:      "how many employees are there",
		SchemaContext: packetWithTables("employees", "customers"),
	}

	r := New(Config{}, nil)
	result, err := r.Rerank(context.Background(), candidates, rctx)
	require.NoError(t, err)

	require.Len(t, result.Candidates, len(candidates))
	seen := make(map[int]bool)
	for _, c := range result.Candidates {
		seen[c.Index] = true
	}
	for _, orig := range candidates {
		assert.True(t, seen[orig.Index])
	}
}

func TestRerank_OrdersDescendingByScore(t *testing.T) {
	candidates := []models.SQLCandidate{
		{SQL: "SELECT SUM(salary) FROM employees", Index: 0},
		{SQL: "SELECT COUNT(*) FROM employees", Index: 1},
	}
	rctx := Context{
		Question:      "how many employees are there",
		SchemaContext: packetWithTables("employees"),
	}

	r := New(Config{}, nil)
	result, err := r.Rerank(context.Background(), candidates, rctx)
	require.NoError(t, err)

	require.Len(t, result.Candidates, 2)
	assert.Equal(t, 1, result.Candidates[0].Index)
	assert.GreaterOrEqual(t, result.Candidates[0].Score, result.Candidates[1].Score)
}

func TestScoreJoinMatch_NoPlanIsNeutral(t *testing.T) {
	score, matched := scoreJoinMatch("SELECT 1 FROM a", nil)
	assert.Equal(t, 1.0, score)
	assert.Equal(t, -1, matched)
}

func TestScoreJoinMatch_MatchesSkeletonCondition(t *testing.T) {
	plan := &models.JoinPlan{
		Skeletons: []models.JoinSkeleton{
			{Joins: []models.JoinCondition{{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "id"}}},
		},
	}
	sql := "SELECT * FROM orders o JOIN customers c ON o.customer_id = c.id"
	score, matched := scoreJoinMatch(sql, plan)
	assert.Equal(t, 1.0, score)
	assert.Equal(t, 0, matched)
}

func TestScoreJoinMatch_NoJoinsWhenPlanRequiresThem(t *testing.T) {
	plan := &models.JoinPlan{
		Skeletons: []models.JoinSkeleton{
			{Joins: []models.JoinCondition{{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "id"}}},
		},
	}
	score, _ := scoreJoinMatch("SELECT * FROM orders", plan)
	assert.Equal(t, 0.0, score)
}

func TestExtractCheckableValues_SkipsNullAndUnqualifiedColumns(t *testing.T) {
	checks := extractCheckableValues("SELECT * FROM employees e WHERE e.dept = 'engineering' AND status IS NULL")
	require.Len(t, checks, 1)
	assert.Equal(t, "e", checks[0].table)
	assert.Equal(t, "dept", checks[0].column)
	assert.Equal(t, "engineering", checks[0].value)
}

func TestExtractCheckableValues_InClauseExpandsEachLiteral(t *testing.T) {
	checks := extractCheckableValues("SELECT * FROM employees e WHERE e.dept IN ('engineering', 'sales')")
	require.Len(t, checks, 2)
	assert.Equal(t, "engineering", checks[0].value)
	assert.Equal(t, "sales", checks[1].value)
}

func TestRerank_ValueVerificationUsesVerifier(t *testing.T) {
	verifier := &fakeVerifier{exists: map[string]bool{"e.dept.engineering": true}}
	candidates := []models.SQLCandidate{
		{SQL: "SELECT * FROM employees e WHERE e.dept = 'engineering'", Index: 0},
	}
	rctx := Context{
		Question:      "who works in engineering",
		SchemaContext: packetWithTables("e"),
	}

	r := New(Config{ValueVerificationEnabled: true}, verifier)
	result, err := r.Rerank(context.Background(), candidates, rctx)
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, 1.0, result.Candidates[0].ScoreBreakdown.ValueVerification)
}

func TestExtractAliasMap_ExcludesKeywords(t *testing.T) {
	aliasToTable := extractAliasMap("SELECT * FROM employees WHERE dept = 'x'")
	assert.NotContains(t, aliasToTable, "where")
}
