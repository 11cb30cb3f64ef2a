package models

// ScoreBreakdown records the additive bonuses the reranker applied to a
// candidate's pre-existing score.
type ScoreBreakdown struct {
	SchemaAdherence   float64
	JoinMatch         float64
	ResultShape       float64
	ValueVerification float64
	Total             float64
}

// SQLCandidate is one SQL statement produced by the generation sidecar,
// annotated by the validator and reranker.
type SQLCandidate struct {
	SQL              string
	Index            int
	Score            float64
	ScoreBreakdown   ScoreBreakdown
	StructuralValid  bool
	LintResult       *LintResult
	ExplainPassed    bool
	Rejected         bool
	RejectionReason  string
}

// RerankDetail is the per-candidate diagnostic the reranker attaches
// alongside the reordered candidate list.
type RerankDetail struct {
	CandidateIndex int
	TableScore     float64
	ColumnScore    float64
	JoinMatchScore float64
	ResultShapeScore float64
	ValueVerificationScore float64
	MatchedSkeleton int // index into JoinPlan.Skeletons, -1 if none
}

// RerankResult is the reranker's output: candidates sorted best-first,
// plus per-candidate detail in the same order.
type RerankResult struct {
	Candidates []SQLCandidate
	Details    []RerankDetail
}
