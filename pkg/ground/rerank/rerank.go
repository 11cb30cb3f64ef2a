// Package rerank implements the Candidate Reranker (S7): it scores each
// generated SQL candidate with additive bonuses (schema adherence, join
// match, result shape, optional value verification) and reorders
// candidates best-first, never rejecting one outright. Table/column
// extraction follows the teacher's regex-driven pkg/sql/column_parser.go
// idiom rather than a full SQL parser, per spec §9's design note.
package rerank

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-ground/pkg/models"
)

// ValueVerifier checks whether a literal value actually occurs in a
// table/column, used by the optional value-verification signal.
// store.PostgresStore.ValueExists satisfies this interface.
type ValueVerifier interface {
	ValueExists(ctx context.Context, table, column, value string) (bool, error)
}

// Weights are the additive bonus weights for each signal, config §6's
// reranker defaults (15/20/10/10).
type Weights struct {
	SchemaAdherence   float64
	JoinMatch         float64
	ResultShape       float64
	ValueVerification float64
}

// Config bounds a single rerank call.
type Config struct {
	Weights                  Weights
	ValueVerificationEnabled bool
}

func defaultWeights() Weights {
	return Weights{SchemaAdherence: 15, JoinMatch: 20, ResultShape: 10, ValueVerification: 10}
}

// Context carries everything a reranking pass needs beyond the candidate
// list itself.
type Context struct {
	Question         string
	SchemaLinkBundle  *models.SchemaLinkBundle
	JoinPlan          *models.JoinPlan
	SchemaContext     *models.SchemaContextPacket
}

// Reranker implements S7.
type Reranker struct {
	cfg      Config
	verifier ValueVerifier
}

func New(cfg Config, verifier ValueVerifier) *Reranker {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = defaultWeights()
	}
	return &Reranker{cfg: cfg, verifier: verifier}
}

var (
	fromJoinTablePattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+((?:"[^"]+"|[A-Za-z_][A-Za-z0-9_]*)(?:\.(?:"[^"]+"|[A-Za-z_][A-Za-z0-9_]*))?)`)
	aliasPattern         = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+(?:"[^"]+"|[A-Za-z_][A-Za-z0-9_]*)(?:\.(?:"[^"]+"|[A-Za-z_][A-Za-z0-9_]*))?\s+(?:AS\s+)?([A-Za-z_][A-Za-z0-9_]*)\b`)
	qualifiedColPattern  = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\b`)
	unqualifiedColPattern = regexp.MustCompile(`(?i)(?:SELECT|WHERE|ON|HAVING|BY|,)\s+([A-Za-z_][A-Za-z0-9_]*)\s*(\()?`)
	stringLiteralPattern = regexp.MustCompile(`'(?:[^']|'')*'`)
	onConditionPattern   = regexp.MustCompile(`(?i)\bON\s+((?:[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*\s*=\s*[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*\s*(?:AND\s+)?)+)`)
	onPairPattern        = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)`)
	groupByPattern       = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
	orderByPattern       = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
	countPattern         = regexp.MustCompile(`(?i)\bCOUNT\s*\(`)
	sumPattern           = regexp.MustCompile(`(?i)\bSUM\s*\(`)
	avgPattern           = regexp.MustCompile(`(?i)\bAVG\s*\(`)
	minPattern           = regexp.MustCompile(`(?i)\bMIN\s*\(`)
	maxPattern           = regexp.MustCompile(`(?i)\bMAX\s*\(`)
	valueEqPattern       = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_.]*)\s*=\s*'((?:[^']|'')*)'`)
	valueInPattern       = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_.]*)\s+IN\s*\(\s*('(?:[^']|'')*'(?:\s*,\s*'(?:[^']|'')*')*)\s*\)`)
	sqlKeywords          = map[string]bool{
		"select": true, "from": true, "where": true, "join": true, "on": true,
		"and": true, "or": true, "group": true, "order": true, "by": true,
		"having": true, "limit": true, "as": true, "inner": true, "left": true,
		"right": true, "full": true, "outer": true, "not": true, "in": true,
		"is": true, "null": true, "like": true, "distinct": true, "asc": true, "desc": true,
	}
)

// Rerank scores candidates and returns them reordered best-first.
func (r *Reranker) Rerank(ctx context.Context, candidates []models.SQLCandidate, rctx Context) (models.RerankResult, error) {
	details := make([]models.RerankDetail, len(candidates))
	scored := make([]models.SQLCandidate, len(candidates))
	copy(scored, candidates)

	knownTables, knownColumns := knownSchemaSets(rctx)

	baseScores := make([]float64, len(scored))
	for i := range scored {
		cand := &scored[i]
		baseScores[i] = cand.Score
		tableScore, columnScore, adherence := scoreSchemaAdherence(cand.SQL, knownTables, knownColumns)
		joinMatch, matchedSkeleton := scoreJoinMatch(cand.SQL, rctx.JoinPlan)
		resultShape := scoreResultShape(rctx.Question, cand.SQL)

		details[i] = models.RerankDetail{
			CandidateIndex:   cand.Index,
			TableScore:       tableScore,
			ColumnScore:      columnScore,
			JoinMatchScore:   joinMatch,
			ResultShapeScore: resultShape,
			MatchedSkeleton:  matchedSkeleton,
		}
		cand.ScoreBreakdown = models.ScoreBreakdown{
			SchemaAdherence: adherence, JoinMatch: joinMatch, ResultShape: resultShape,
		}
	}

	if r.cfg.ValueVerificationEnabled && r.verifier != nil {
		interim := make([]float64, len(scored))
		for i := range scored {
			bd := scored[i].ScoreBreakdown
			interim[i] = baseScores[i] + bd.SchemaAdherence*r.cfg.Weights.SchemaAdherence +
				bd.JoinMatch*r.cfg.Weights.JoinMatch + bd.ResultShape*r.cfg.Weights.ResultShape
		}
		if err := r.verifyTopCandidates(ctx, scored, details, rctx, interim); err != nil {
			return models.RerankResult{}, err
		}
	}

	for i := range scored {
		bd := &scored[i].ScoreBreakdown
		bd.Total = bd.SchemaAdherence*r.cfg.Weights.SchemaAdherence +
			bd.JoinMatch*r.cfg.Weights.JoinMatch +
			bd.ResultShape*r.cfg.Weights.ResultShape +
			bd.ValueVerification*r.cfg.Weights.ValueVerification
		scored[i].Score = baseScores[i] + bd.Total
	}

	order := make([]int, len(scored))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := scored[order[i]], scored[order[j]]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Rejected != b.Rejected {
			return !a.Rejected
		}
		if a.ExplainPassed != b.ExplainPassed {
			return a.ExplainPassed
		}
		return order[i] < order[j]
	})

	outCandidates := make([]models.SQLCandidate, len(scored))
	outDetails := make([]models.RerankDetail, len(details))
	for i, idx := range order {
		outCandidates[i] = scored[idx]
		outDetails[i] = details[idx]
	}

	return models.RerankResult{Candidates: outCandidates, Details: outDetails}, nil
}

// verifyTopCandidates runs value verification (spec §4.7.4) for the top-2
// candidates by current score, fanning out per checkable value via
// errgroup.
func (r *Reranker) verifyTopCandidates(ctx context.Context, scored []models.SQLCandidate, details []models.RerankDetail, rctx Context, interim []float64) error {
	order := make([]int, len(scored))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return interim[order[i]] > interim[order[j]] })
	if len(order) > 2 {
		order = order[:2]
	}

	resolvable := packetTableSet(rctx.SchemaContext)

	for _, idx := range order {
		checks := extractCheckableValues(scored[idx].SQL)
		if len(checks) == 0 {
			scored[idx].ScoreBreakdown.ValueVerification = 1.0
			continue
		}

		var verifiedCount, checkedCount int64
		g, gctx := errgroup.WithContext(ctx)
		results := make([]bool, len(checks))
		for i, chk := range checks {
			i, chk := i, chk
			if !resolvable[strings.ToLower(chk.table)] {
				continue
			}
			checkedCount++
			g.Go(func() error {
				ok, err := r.verifier.ValueExists(gctx, chk.table, chk.column, chk.value)
				if err != nil {
					return nil // errors count as unverified, not penalized
				}
				results[i] = ok
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, ok := range results {
			if ok {
				verifiedCount++
			}
		}

		if checkedCount == 0 {
			scored[idx].ScoreBreakdown.ValueVerification = 1.0
			continue
		}
		scored[idx].ScoreBreakdown.ValueVerification = float64(verifiedCount) / float64(checkedCount)
		details[idx].ValueVerificationScore = scored[idx].ScoreBreakdown.ValueVerification
	}
	return nil
}

type checkableValue struct {
	table, column, value string
}

// extractCheckableValues pulls `col = 'v'` and `col IN ('v1', …)`
// predicates, resolving the column's table via its qualifier when
// present. LIKE predicates and NULL comparisons are skipped; an unresolved
// qualifier or a subquery alias is simply treated as unresolvable rather
// than erroring, per the Open Question on NULL/aliased-subquery handling.
func extractCheckableValues(sql string) []checkableValue {
	var out []checkableValue

	for _, m := range valueEqPattern.FindAllStringSubmatch(sql, -1) {
		table, column := splitQualified(m[1])
		if table == "" || strings.EqualFold(m[2], "NULL") {
			continue
		}
		out = append(out, checkableValue{table: table, column: column, value: unescapeLiteral(m[2])})
	}

	for _, m := range valueInPattern.FindAllStringSubmatch(sql, -1) {
		table, column := splitQualified(m[1])
		if table == "" {
			continue
		}
		for _, v := range stringLiteralPattern.FindAllString(m[2], -1) {
			out = append(out, checkableValue{table: table, column: column, value: unescapeLiteral(strings.Trim(v, "'"))})
		}
	}

	return out
}

func splitQualified(ref string) (table, column string) {
	parts := strings.SplitN(ref, ".", 2)
	if len(parts) != 2 {
		return "", "" // unqualified: table cannot be resolved without an alias map
	}
	return parts[0], parts[1]
}

func unescapeLiteral(v string) string {
	return strings.ReplaceAll(v, "''", "'")
}

func packetTableSet(packet *models.SchemaContextPacket) map[string]bool {
	out := make(map[string]bool)
	if packet == nil {
		return out
	}
	for _, t := range packet.Tables {
		out[strings.ToLower(t.TableName)] = true
	}
	return out
}

// knownSchemaSets builds the known-tables and known-columns sets from the
// packet's m_schema and the linker's linkedColumns.
func knownSchemaSets(rctx Context) (tables map[string]bool, columns map[string]bool) {
	tables = make(map[string]bool)
	columns = make(map[string]bool)

	if rctx.SchemaContext != nil {
		for _, t := range rctx.SchemaContext.Tables {
			tables[strings.ToLower(t.TableName)] = true
			for _, col := range parseMSchemaColumns(t.MSchema) {
				columns[col] = true
			}
		}
	}
	if rctx.SchemaLinkBundle != nil {
		for _, lt := range rctx.SchemaLinkBundle.LinkedTables {
			tables[strings.ToLower(lt.Table)] = true
		}
		for _, cols := range rctx.SchemaLinkBundle.LinkedColumns {
			for _, c := range cols {
				columns[strings.ToLower(c.Column)] = true
			}
		}
	}
	return tables, columns
}

var mschemaColumnPattern = regexp.MustCompile(`(\w+):\s*\w+`)

func parseMSchemaColumns(mschema string) []string {
	matches := mschemaColumnPattern.FindAllStringSubmatch(mschema, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.ToLower(m[1]))
	}
	return out
}

// scoreSchemaAdherence implements spec §4.7.1: table/column reference
// extraction against the known schema, combined 0.4/0.6.
func scoreSchemaAdherence(sql string, knownTables, knownColumns map[string]bool) (tableScore, columnScore, combined float64) {
	stripped := stringLiteralPattern.ReplaceAllString(sql, "''")

	tables := extractTables(stripped)
	tableScore = ratioKnown(tables, knownTables)

	aliasToTable := extractAliasMap(stripped)
	columns := extractColumns(stripped, aliasToTable)
	columnScore = ratioKnownColumns(columns, knownColumns, aliasToTable, knownTables)

	combined = 0.4*tableScore + 0.6*columnScore
	return
}

func extractTables(sql string) []string {
	matches := fromJoinTablePattern.FindAllStringSubmatch(sql, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		ref := m[1]
		parts := strings.Split(ref, ".")
		name := strings.ToLower(strings.Trim(parts[len(parts)-1], `"`))
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func extractAliasMap(sql string) map[string]string {
	fromJoin := fromJoinTablePattern.FindAllStringSubmatchIndex(sql, -1)
	out := make(map[string]string)
	for _, idx := range fromJoin {
		clause := sql[idx[0]:]
		tableMatch := fromJoinTablePattern.FindStringSubmatch(clause)
		if tableMatch == nil {
			continue
		}
		table := strings.ToLower(strings.Trim(lastSegment(tableMatch[1]), `"`))

		aliasMatch := aliasPattern.FindStringSubmatch(clause)
		if aliasMatch == nil {
			continue
		}
		alias := strings.ToLower(aliasMatch[1])
		if sqlKeywords[alias] {
			continue
		}
		out[alias] = table
	}
	return out
}

func lastSegment(ref string) string {
	parts := strings.Split(ref, ".")
	return parts[len(parts)-1]
}

type qualifiedRef struct {
	alias, column string
}

func extractColumns(sql string, aliasToTable map[string]string) []qualifiedRef {
	var out []qualifiedRef
	seen := make(map[string]bool)

	for _, m := range qualifiedColPattern.FindAllStringSubmatch(sql, -1) {
		alias, col := strings.ToLower(m[1]), strings.ToLower(m[2])
		key := alias + "." + col
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, qualifiedRef{alias: alias, column: col})
	}

	for _, m := range unqualifiedColPattern.FindAllStringSubmatch(sql, -1) {
		col := strings.ToLower(m[1])
		if sqlKeywords[col] || aliasToTable[col] != "" || m[2] == "(" {
			continue
		}
		if seen[col] {
			continue
		}
		seen[col] = true
		out = append(out, qualifiedRef{column: col})
	}

	return out
}

func ratioKnown(items []string, known map[string]bool) float64 {
	if len(items) == 0 {
		return 1.0
	}
	found := 0
	for _, it := range items {
		if known[it] {
			found++
		}
	}
	return float64(found) / float64(len(items))
}

func ratioKnownColumns(refs []qualifiedRef, knownColumns map[string]bool, aliasToTable map[string]string, knownTables map[string]bool) float64 {
	if len(refs) == 0 {
		return 1.0
	}
	found := 0
	for _, r := range refs {
		if knownColumns[r.column] {
			found++
		}
	}
	return float64(found) / float64(len(refs))
}

// scoreJoinMatch implements spec §4.7.2.
func scoreJoinMatch(sql string, plan *models.JoinPlan) (score float64, matchedSkeleton int) {
	matchedSkeleton = -1
	if plan == nil || len(plan.Skeletons) == 0 {
		return 1.0, matchedSkeleton
	}

	extracted := extractJoinConditions(sql)
	if len(extracted) == 0 {
		return 0.0, matchedSkeleton
	}

	best := 0.0
	for i, sk := range plan.Skeletons {
		matched := 0
		for _, e := range extracted {
			for _, j := range sk.Joins {
				if conditionsEqual(e, j) {
					matched++
					break
				}
			}
		}
		denom := len(extracted)
		if len(sk.Joins) > denom {
			denom = len(sk.Joins)
		}
		if denom == 0 {
			continue
		}
		ratio := float64(matched) / float64(denom)
		if ratio > best {
			best = ratio
			matchedSkeleton = i
		}
	}
	return best, matchedSkeleton
}

type extractedJoin struct {
	leftAlias, leftCol, rightAlias, rightCol string
}

func extractJoinConditions(sql string) []extractedJoin {
	var out []extractedJoin
	for _, onClause := range onConditionPattern.FindAllStringSubmatch(sql, -1) {
		for _, m := range onPairPattern.FindAllStringSubmatch(onClause[1], -1) {
			out = append(out, extractedJoin{
				leftAlias: strings.ToLower(m[1]), leftCol: strings.ToLower(m[2]),
				rightAlias: strings.ToLower(m[3]), rightCol: strings.ToLower(m[4]),
			})
		}
	}
	return out
}

func conditionsEqual(e extractedJoin, j models.JoinCondition) bool {
	fromCol, toCol := strings.ToLower(j.FromColumn), strings.ToLower(j.ToColumn)
	forward := e.leftCol == fromCol && e.rightCol == toCol
	reverse := e.leftCol == toCol && e.rightCol == fromCol
	return forward || reverse
}

// scoreResultShape implements spec §4.7.3.
func scoreResultShape(question, sql string) float64 {
	expected := expectedAggregation(question)
	actual := actualAggregation(sql)

	var score float64
	switch {
	case expected == actual:
		score = 1.0
	case expected == "unknown" || actual == "unknown":
		score = 0.5
	case expected != "list" && actual != "list":
		score = 0.3
	default:
		score = 0.0
	}

	expectGroup := groupByCue(question)
	hasGroup := groupByPattern.MatchString(sql)
	if expectGroup && hasGroup {
		score += 0.1
	} else if expectGroup && !hasGroup {
		score -= 0.2
	}

	expectOrder := orderByCue(question)
	hasOrder := orderByPattern.MatchString(sql)
	if expectOrder && hasOrder {
		score += 0.1
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func expectedAggregation(question string) string {
	q := strings.ToLower(question)
	switch {
	case containsAny(q, "how many", "count", "number of"):
		return "count"
	case containsAny(q, "total", "sum"):
		return "sum"
	case containsAny(q, "average", "avg", "mean"):
		return "avg"
	case containsAny(q, "min", "lowest", "smallest", "least"):
		return "min"
	case containsAny(q, "max", "highest", "largest", "greatest", "most"):
		return "max"
	case containsAny(q, "list", "show", "display", "all"):
		return "list"
	default:
		return "unknown"
	}
}

func actualAggregation(sql string) string {
	switch {
	case countPattern.MatchString(sql):
		return "count"
	case sumPattern.MatchString(sql):
		return "sum"
	case avgPattern.MatchString(sql):
		return "avg"
	case minPattern.MatchString(sql):
		return "min"
	case maxPattern.MatchString(sql):
		return "max"
	default:
		return "list"
	}
}

func groupByCue(question string) bool {
	q := strings.ToLower(question)
	return containsAny(q, "by ", "per ", "each ", "group")
}

func orderByCue(question string) bool {
	q := strings.ToLower(question)
	return containsAny(q, "top", "bottom", "rank", "sort", "order")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
