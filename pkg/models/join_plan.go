package models

// JoinType is the closed set of SQL join types the planner emits.
type JoinType string

const (
	JoinInner JoinType = "INNER"
	JoinLeft  JoinType = "LEFT"
)

// JoinCondition is one ON-clause edge in a skeleton, in emission order.
type JoinCondition struct {
	FromTable  string
	FromColumn string
	ToTable    string
	ToColumn   string
	JoinType   JoinType
}

// ScoreDetails breaks down how a skeleton's combined score was derived.
type ScoreDetails struct {
	HopCount           int
	SemanticAlignment  float64
	ColumnCoverage     float64
	Combined           float64
}

// JoinSkeleton is one candidate connected subgraph of tables-and-joins
// proposed as the JOIN portion of the final SQL. Lower Score (== combined
// score in ScoreDetails) is better.
type JoinSkeleton struct {
	Tables       []string
	Joins        []JoinCondition
	Score        float64
	SQLFragment  string
	ScoreDetails ScoreDetails
}

// GraphStats describes the FK graph a JoinPlan was computed over.
type GraphStats struct {
	Nodes int
	Edges int
}

// JoinPlan is the output of the join planner (S5): up to topK scored
// skeletons, plus cross-module/bridge diagnostics.
type JoinPlan struct {
	Skeletons         []JoinSkeleton
	GraphStats        GraphStats
	CrossModuleDetected bool
	BridgeTables      []string
	ModulesUsed       []string
}
