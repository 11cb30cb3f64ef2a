// Package linker implements the Schema Linker (S4): the anti-hallucination
// stage that derives column glosses, extracts keyphrases from the question,
// and scores which tables/columns/values the question actually supports,
// following the teacher's static-table, deterministic-extraction idiom in
// column_feature_extraction.go.
package linker

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/ekaya-inc/ekaya-ground/pkg/models"
	"github.com/ekaya-inc/ekaya-ground/pkg/store"
)

// defaultAbbreviations expands common ERP-schema shorthand into its full
// synonym, following spec's abbreviation-map idiom. Overridable via
// WithAbbreviations.
var defaultAbbreviations = map[string]string{
	"qty":  "quantity",
	"amt":  "amount",
	"emp":  "employee",
	"dept": "department",
	"addr": "address",
	"desc": "description",
	"id":   "identifier",
	"num":  "number",
	"pct":  "percentage",
	"curr": "currency",
}

// defaultStopwords is the domain stopword set removed before keyphrase
// tokenization. Overridable via WithStopwords.
var defaultStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "for": true, "in": true,
	"on": true, "by": true, "with": true, "and": true, "or": true,
	"is": true, "are": true, "what": true, "which": true, "show": true,
	"me": true, "please": true, "all": true,
}

// metricWords tags keyphrases that name an aggregation concept rather than
// a schema entity.
var metricWords = map[string]bool{
	"total": true, "average": true, "avg": true, "max": true, "min": true,
	"top": true, "sum": true, "count": true, "highest": true, "lowest": true,
}

var numberPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
var quotedPattern = regexp.MustCompile(`'([^']*)'|"([^"]*)"`)
var nonAlnumPattern = regexp.MustCompile(`[^a-z0-9\s]+`)

// nameExactHints maps exact lowercase column names to a typeHint, checked
// before suffix and type-family rules.
var nameExactHints = map[string]models.TypeHint{
	"salary": models.TypeHintMonetary, "price": models.TypeHintMonetary,
	"cost": models.TypeHintMonetary, "total": models.TypeHintMonetary,
	"quantity": models.TypeHintQuantity, "qty": models.TypeHintQuantity,
	"percentage": models.TypeHintPercentage, "percent": models.TypeHintPercentage,
	"status": models.TypeHintStatusEnum, "state": models.TypeHintStatusEnum,
	"type": models.TypeHintTypeCat, "category": models.TypeHintTypeCat,
	"code": models.TypeHintCode,
}

type suffixHint struct {
	suffix string
	hint   models.TypeHint
}

// suffixHints is checked in order; the first matching suffix wins.
var suffixHints = []suffixHint{
	{"_id", models.TypeHintIdentifier},
	{"_date", models.TypeHintDateTime},
	{"_at", models.TypeHintDateTime},
	{"_amount", models.TypeHintMonetary},
	{"_name", models.TypeHintNameLabel},
	{"_status", models.TypeHintStatusEnum},
	{"_flag", models.TypeHintBoolean},
	{"_email", models.TypeHintText},
	{"_addr", models.TypeHintText},
	{"_code", models.TypeHintCode},
	{"_pct", models.TypeHintPercentage},
}

// valueHintTypeHints is the set of typeHints a quoted literal is paired
// against when building value hints.
var valueHintTypeHints = map[models.TypeHint]bool{
	models.TypeHintNameLabel:  true,
	models.TypeHintText:       true,
	models.TypeHintStatusEnum: true,
	models.TypeHintTypeCat:    true,
	models.TypeHintCode:       true,
}

type redirectPattern struct {
	category string
	re       *regexp.Regexp
}

// columnRedirectPatterns are the "important" parent-column patterns that
// warrant a redirect warning when present on a parent but absent on its
// child.
var columnRedirectPatterns = []redirectPattern{
	{"date", regexp.MustCompile(`(?i)(date|_at$)`)},
	{"employee", regexp.MustCompile(`(?i)(employee_id|emp_id|worker_id)`)},
	{"status", regexp.MustCompile(`(?i)(status|status_code)`)},
}

// ConfusableEntry statically pairs a table with another whose name or
// purpose is commonly confused with it.
type ConfusableEntry struct {
	ConfusesWith    string
	TriggerKeywords []string
	Hint            string
}

// defaultConfusables is illustrative; callers supply their own schema's
// confusable pairs via WithConfusableTables.
var defaultConfusables = map[string]ConfusableEntry{
	"orders": {
		ConfusesWith:    "purchase_orders",
		TriggerKeywords: []string{"purchase", "vendor", "supplier", "po"},
		Hint:            "orders is sales/customer orders; purchase_orders is procurement",
	},
	"invoices": {
		ConfusesWith:    "bills",
		TriggerKeywords: []string{"bill", "payable", "vendor"},
		Hint:            "invoices are receivables issued to customers; bills are payables owed to vendors",
	},
}

// keyphrase is one token or bigram extracted from the question text.
type keyphrase struct {
	text      string
	isQuoted  bool
	isNumber  bool
	isMetric  bool
}

// Option configures a Linker.
type Option func(*Linker)

// WithAbbreviations overrides the abbreviation expansion map.
func WithAbbreviations(m map[string]string) Option {
	return func(l *Linker) { l.abbreviations = m }
}

// WithStopwords overrides the domain stopword set.
func WithStopwords(m map[string]bool) Option {
	return func(l *Linker) { l.stopwords = m }
}

// WithConfusableTables overrides the static confusable-table table.
func WithConfusableTables(m map[string]ConfusableEntry) Option {
	return func(l *Linker) { l.confusables = m }
}

// Linker implements S4: gloss generation, keyphrase extraction, and column
// match scoring to produce a SchemaLinkBundle.
type Linker struct {
	meta          store.MetadataStore
	abbreviations map[string]string
	stopwords     map[string]bool
	confusables   map[string]ConfusableEntry
}

func New(meta store.MetadataStore, opts ...Option) *Linker {
	l := &Linker{
		meta:          meta,
		abbreviations: defaultAbbreviations,
		stopwords:     defaultStopwords,
		confusables:   defaultConfusables,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Link grounds question against packet, producing the anti-hallucination
// bundle described in spec §4.4.
func (l *Linker) Link(ctx context.Context, question string, packet *models.SchemaContextPacket) (*models.SchemaLinkBundle, error) {
	tableNames := make([]string, len(packet.Tables))
	simByTable := make(map[string]float64, len(packet.Tables))
	for i, t := range packet.Tables {
		tableNames[i] = t.TableName
		simByTable[t.TableName] = t.Similarity
	}

	glosses, err := l.glossesForTables(ctx, tableNames)
	if err != nil {
		return nil, err
	}

	phrases := extractKeyphrases(question, l.stopwords)

	bundle := &models.SchemaLinkBundle{
		LinkedColumns: make(map[string][]models.LinkedColumn),
	}

	matchedConcepts := make(map[string]bool)

	for _, table := range tableNames {
		cols := glosses[table]
		best := make(map[string]models.LinkedColumn, len(cols))

		for _, ph := range phrases {
			if ph.isQuoted || ph.isNumber {
				continue
			}
			for _, g := range cols {
				score := matchScore(ph.text, g)
				if score < 0.5 {
					continue
				}
				matchedConcepts[ph.text] = true
				if cur, ok := best[g.Column]; !ok || score > cur.Relevance {
					best[g.Column] = models.LinkedColumn{Column: g.Column, Relevance: score, Concept: ph.text}
				}
			}
		}

		if len(best) == 0 {
			continue
		}

		maxScore := 0.0
		linked := make([]models.LinkedColumn, 0, len(best))
		for _, lc := range best {
			linked = append(linked, lc)
			if lc.Relevance > maxScore {
				maxScore = lc.Relevance
			}
		}
		sort.Slice(linked, func(i, j int) bool { return linked[i].Column < linked[j].Column })

		relevance := 0.3*float64(len(best)) + 0.4*maxScore + 0.3*simByTable[table]
		if relevance < 0.1 {
			continue
		}

		bundle.LinkedColumns[table] = linked
		bundle.LinkedTables = append(bundle.LinkedTables, models.LinkedTable{
			Table: table, Relevance: relevance, Reason: "keyphrase/column match",
		})
	}

	sort.Slice(bundle.LinkedTables, func(i, j int) bool {
		if bundle.LinkedTables[i].Relevance != bundle.LinkedTables[j].Relevance {
			return bundle.LinkedTables[i].Relevance > bundle.LinkedTables[j].Relevance
		}
		return bundle.LinkedTables[i].Table < bundle.LinkedTables[j].Table
	})

	bundle.ValueHints = buildValueHints(phrases, tableNames, glosses)
	bundle.JoinHints = buildJoinHints(packet.FKEdges)
	bundle.UnsupportedConcepts = unsupportedConcepts(phrases, matchedConcepts)
	bundle.ColumnRedirects = buildColumnRedirects(packet.FKEdges, glosses)

	linkedTableNames := make([]string, len(bundle.LinkedTables))
	for i, lt := range bundle.LinkedTables {
		linkedTableNames[i] = lt.Table
	}
	bundle.ConfusableTables = l.confusableWarnings(linkedTableNames, question)

	return bundle, nil
}

// glossesForTables fetches column metadata for tables and derives a
// ColumnGloss per column, grouped by table.
func (l *Linker) glossesForTables(ctx context.Context, tables []string) (map[string][]models.ColumnGloss, error) {
	if len(tables) == 0 {
		return nil, nil
	}
	rows, err := l.meta.ColumnMetadata(ctx, tables)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]models.ColumnGloss, len(tables))
	for _, row := range rows {
		out[row.TableName] = append(out[row.TableName], l.deriveGloss(row))
	}
	return out, nil
}

// deriveGloss builds a ColumnGloss per spec §4.4's gloss generation rules.
func (l *Linker) deriveGloss(row store.ColumnRow) models.ColumnGloss {
	hint := deriveTypeHint(row.ColumnName, row.DataType)
	synonyms := l.synonymsFor(row.ColumnName)

	tokens := snakeTokens(row.ColumnName)
	var prefix string
	switch {
	case row.IsPK:
		prefix = "Primary key. "
	case row.IsFK:
		prefix = "Foreign key → " + row.FKTargetTable + "." + row.FKTargetColumn + ". "
	}
	description := prefix + strings.Join(tokens, " ") + " (" + string(hint) + ")"

	fkTarget := ""
	if row.IsFK {
		fkTarget = row.FKTargetTable + "." + row.FKTargetColumn
	}

	return models.ColumnGloss{
		Column:      row.ColumnName,
		Table:       row.TableName,
		Description: description,
		Synonyms:    synonyms,
		TypeHint:    hint,
		IsPK:        row.IsPK,
		IsFK:        row.IsFK,
		FKTarget:    fkTarget,
		DataType:    row.DataType,
	}
}

func (l *Linker) synonymsFor(column string) map[string]bool {
	tokens := snakeTokens(column)
	syn := make(map[string]bool, len(tokens)*2+1)
	for _, t := range tokens {
		syn[t] = true
		if exp, ok := l.abbreviations[t]; ok {
			syn[exp] = true
		}
	}
	syn[strings.ToLower(column)] = true
	return syn
}

func snakeTokens(name string) []string {
	lower := strings.ToLower(name)
	parts := strings.Split(lower, "_")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{lower}
	}
	return out
}

// deriveTypeHint implements spec §4.4's (a) exact / (b) suffix / (c) type
// family fallback chain.
func deriveTypeHint(column, dataType string) models.TypeHint {
	lower := strings.ToLower(column)
	if h, ok := nameExactHints[lower]; ok {
		return h
	}
	for _, sh := range suffixHints {
		if strings.HasSuffix(lower, sh.suffix) {
			return sh.hint
		}
	}
	return typeFamily(dataType)
}

func typeFamily(dataType string) models.TypeHint {
	lower := strings.ToLower(dataType)
	switch {
	case strings.Contains(lower, "int"), strings.Contains(lower, "numeric"),
		strings.Contains(lower, "decimal"), strings.Contains(lower, "float"),
		strings.Contains(lower, "double"), strings.Contains(lower, "real"):
		return models.TypeHintQuantity
	case strings.Contains(lower, "date"), strings.Contains(lower, "time"):
		return models.TypeHintDateTime
	case strings.Contains(lower, "bool"):
		return models.TypeHintBoolean
	case strings.Contains(lower, "text"), strings.Contains(lower, "char"):
		return models.TypeHintText
	default:
		return models.TypeHintGeneral
	}
}

// extractKeyphrases implements spec §4.4's keyphrase extraction: quoted
// literals first, then tokens and consecutive non-stopword bigrams from
// the remaining text.
func extractKeyphrases(question string, stopwords map[string]bool) []keyphrase {
	var phrases []keyphrase

	quoted := quotedPattern.FindAllStringSubmatch(question, -1)
	for _, m := range quoted {
		val := m[1]
		if val == "" {
			val = m[2]
		}
		if val != "" {
			phrases = append(phrases, keyphrase{text: strings.ToLower(val), isQuoted: true})
		}
	}

	remaining := quotedPattern.ReplaceAllString(question, " ")
	remaining = strings.ToLower(remaining)
	remaining = nonAlnumPattern.ReplaceAllString(remaining, " ")
	fields := strings.Fields(remaining)

	type survivor struct {
		text string
		idx  int
	}
	var kept []survivor
	for i, f := range fields {
		if stopwords[f] {
			continue
		}
		kept = append(kept, survivor{f, i})
		phrases = append(phrases, tagKeyphrase(f))
	}

	for i := 0; i < len(kept)-1; i++ {
		if kept[i+1].idx == kept[i].idx+1 {
			bigram := kept[i].text + " " + kept[i+1].text
			phrases = append(phrases, tagKeyphrase(bigram))
		}
	}

	return phrases
}

func tagKeyphrase(text string) keyphrase {
	return keyphrase{
		text:     text,
		isNumber: numberPattern.MatchString(text),
		isMetric: metricWords[text],
	}
}

// matchScore implements spec §4.4's column match scoring: max over
// gloss-synonym match, snake-case column-token match, and typeHint
// substring match.
func matchScore(phrase string, g models.ColumnGloss) float64 {
	best := scoreAgainstTerms(phrase, g.SynonymList())

	tokenScore := scoreAgainstTerms(phrase, snakeTokens(g.Column))
	if tokenScore > best {
		best = tokenScore
	}

	hintLower := strings.ToLower(string(g.TypeHint))
	if len(phrase) >= 3 && strings.Contains(hintLower, phrase) {
		if 0.5 > best {
			best = 0.5
		}
	}

	return best
}

// scoreAgainstTerms scores phrase against a term set: exact=1.0,
// phrase-is-prefix-of-term (len>=3)=0.8, phrase-substring-of-term
// (len>=4)=0.7.
func scoreAgainstTerms(phrase string, terms []string) float64 {
	best := 0.0
	for _, term := range terms {
		switch {
		case phrase == term:
			return 1.0
		case len(phrase) >= 3 && strings.HasPrefix(term, phrase):
			if 0.8 > best {
				best = 0.8
			}
		case len(phrase) >= 4 && strings.Contains(term, phrase):
			if 0.7 > best {
				best = 0.7
			}
		}
	}
	return best
}

// buildValueHints pairs each quoted keyphrase with every column across
// tables whose typeHint suggests it holds label/status/code-like values.
func buildValueHints(phrases []keyphrase, tables []string, glosses map[string][]models.ColumnGloss) []models.ValueHint {
	var hints []models.ValueHint
	for _, ph := range phrases {
		if !ph.isQuoted {
			continue
		}
		for _, table := range tables {
			for _, g := range glosses[table] {
				if valueHintTypeHints[g.TypeHint] {
					hints = append(hints, models.ValueHint{
						Value: ph.text, LikelyColumn: g.Column, LikelyTable: table,
					})
				}
			}
		}
	}
	return hints
}

// buildJoinHints is a straight projection of packet FK edges for prompt
// assembly.
func buildJoinHints(edges []models.FKEdge) []models.JoinHint {
	hints := make([]models.JoinHint, 0, len(edges))
	for _, e := range edges {
		hints = append(hints, models.JoinHint{
			From: e.FromTable + "." + e.FromColumn,
			To:   e.ToTable + "." + e.ToColumn,
			Via:  e.FromColumn,
		})
	}
	return hints
}

// unsupportedConcepts returns unigram keyphrases (not quoted, not number,
// not metric) that matched no column, preserving first-seen order.
func unsupportedConcepts(phrases []keyphrase, matched map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ph := range phrases {
		if ph.isQuoted || ph.isNumber || ph.isMetric {
			continue
		}
		if strings.Contains(ph.text, " ") {
			continue // unigrams only
		}
		if matched[ph.text] || seen[ph.text] {
			continue
		}
		seen[ph.text] = true
		out = append(out, ph.text)
	}
	return out
}

// buildColumnRedirects warns when a child table's FK parent has an
// "important" column the child itself lacks.
func buildColumnRedirects(edges []models.FKEdge, glosses map[string][]models.ColumnGloss) []models.ColumnRedirect {
	var redirects []models.ColumnRedirect
	for _, e := range edges {
		childCols := glosses[e.FromTable]
		parentCols := glosses[e.ToTable]
		for _, pat := range columnRedirectPatterns {
			childHas := columnMatches(childCols, pat.re)
			if childHas {
				continue
			}
			for _, pc := range parentCols {
				if pat.re.MatchString(pc.Column) {
					redirects = append(redirects, models.ColumnRedirect{
						ChildTable:  e.FromTable,
						ParentTable: e.ToTable,
						Column:      pc.Column,
						Category:    pat.category,
						JoinKey:     e.FromColumn,
					})
					break
				}
			}
		}
	}
	return redirects
}

func columnMatches(cols []models.ColumnGloss, re *regexp.Regexp) bool {
	for _, c := range cols {
		if re.MatchString(c.Column) {
			return true
		}
	}
	return false
}

// confusableWarnings flags linked tables with a name confusable with
// another, when the question uses one of the triggering keywords.
func (l *Linker) confusableWarnings(tables []string, question string) []models.ConfusableWarning {
	lowerQ := strings.ToLower(question)
	var warnings []models.ConfusableWarning
	for _, table := range tables {
		entry, ok := l.confusables[table]
		if !ok {
			continue
		}
		for _, kw := range entry.TriggerKeywords {
			if strings.Contains(lowerQ, kw) {
				warnings = append(warnings, models.ConfusableWarning{
					Table: table, ConfusesWith: entry.ConfusesWith, Hint: entry.Hint,
				})
				break
			}
		}
	}
	return warnings
}
