// Package sqlvalidate implements the SQL Validator (S6): a tokenizer-driven
// static gate applied to each generated candidate before reranking,
// generalizing the teacher's three-state quote tracker in
// pkg/sql/validator.go to the six lexical regions a real dialect needs
// (both quote styles, dollar-quoting, and both comment styles).
package sqlvalidate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ekaya-inc/ekaya-ground/pkg/models"
)

// tokenState is one region of the tokenizer's state machine. Only
// stateNormal text is visible to keyword/function/table-reference scans.
type tokenState int

const (
	stateNormal tokenState = iota
	stateSingleQuote
	stateDoubleQuote
	stateDollarQuote
	stateLineComment
	stateBlockComment
)

// Config bounds a single validation call.
type Config struct {
	MaxLimit      int
	MaxJoins      int
	RequireLimit  bool
	AllowedTables map[string]bool // lowercased, schema-prefix-stripped
}

// Validator applies the ordered rule pipeline of spec §4.6.
type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	if cfg.MaxJoins <= 0 {
		cfg.MaxJoins = 5
	}
	return &Validator{cfg: cfg}
}

var (
	dangerousKeywordPattern = regexp.MustCompile(
		`(?i)\b(DROP|CREATE|ALTER|TRUNCATE|RENAME|INSERT|UPDATE|DELETE|GRANT|REVOKE|BEGIN|COMMIT|ROLLBACK|SAVEPOINT|COPY|EXECUTE|PREPARE)\b`,
	)
	dangerousFunctionPattern = regexp.MustCompile(
		`(?i)\b(pg_read_file|pg_ls_dir|lo_export|lo_import|pg_sleep|pg_terminate_backend|pg_cancel_backend|dblink\w*|pg_reload_conf)\s*\(`,
	)
	fromJoinPattern = regexp.MustCompile(
		`(?i)\b(?:FROM|JOIN)\s+("[^"]+"|[A-Za-z_][A-Za-z0-9_]*)(?:\.("[^"]+"|[A-Za-z_][A-Za-z0-9_]*))?`,
	)
	limitPattern = regexp.MustCompile(`(?i)\b(LIMIT|FETCH\s+(FIRST|NEXT))\b`)
	joinPattern  = regexp.MustCompile(`(?i)\bJOIN\b`)
)

// Validate runs sql through the ordered rule pipeline and returns a
// LintResult carrying every issue found plus the normalized (auto-fixed)
// SQL.
func (v *Validator) Validate(sql string) models.LintResult {
	result := models.LintResult{OriginalSQL: sql}
	masked := maskNonNormalRegions(sql)

	// Rule 1: first NORMAL token must be SELECT.
	if first := firstNormalToken(masked); !strings.EqualFold(first, "SELECT") {
		result.Issues = append(result.Issues, models.Issue{
			Code: models.IssueNoSelect, Severity: models.SeverityFailFast, Action: models.ActionReject,
			Message: "query must start with SELECT", Detail: first,
		})
	}

	// Rule 2: at most one semicolon, and only if trailing.
	semicolons := strings.Count(masked, ";")
	trailingOnly := true
	if semicolons >= 1 {
		pos := strings.IndexByte(masked, ';')
		if strings.TrimSpace(masked[pos+1:]) != "" {
			trailingOnly = false
		}
	}
	if semicolons > 1 || !trailingOnly {
		result.Issues = append(result.Issues, models.Issue{
			Code: models.IssueMultipleStatements, Severity: models.SeverityFailFast, Action: models.ActionReject,
			Message: "only a single SQL statement is allowed",
		})
	}

	// Rule 4: dangerous DDL/DML/DCL/TCL keywords.
	for _, kw := range dedupMatches(dangerousKeywordPattern.FindAllString(masked, -1)) {
		result.Issues = append(result.Issues, models.Issue{
			Code: models.IssueDangerousKeyword, Severity: models.SeverityFailFast, Action: models.ActionReject,
			Message: "dangerous keyword not allowed in a read-only query", Detail: strings.ToUpper(kw),
		})
	}

	// Rule 5: dangerous administrative functions.
	for _, m := range dedupMatches(dangerousFunctionNames(masked)) {
		result.Issues = append(result.Issues, models.Issue{
			Code: models.IssueDangerousFunction, Severity: models.SeverityFailFast, Action: models.ActionReject,
			Message: "privileged/administrative function not allowed", Detail: m,
		})
	}

	// Rule 6: table allowlist.
	if v.cfg.AllowedTables != nil {
		for _, table := range dedupStrings(extractTableRefs(masked)) {
			if !v.cfg.AllowedTables[table] {
				result.Issues = append(result.Issues, models.Issue{
					Code: models.IssueTableNotAllowed, Severity: models.SeverityError, Action: models.ActionRewrite,
					Message: "table is not present in the grounded schema context", Detail: table,
				})
			}
		}
	}

	result.JoinCount = len(joinPattern.FindAllString(masked, -1))

	// Rule 8: join-count warning (non-fatal).
	if result.JoinCount > v.cfg.MaxJoins {
		result.Issues = append(result.Issues, models.Issue{
			Code: models.IssueTooManyJoins, Severity: models.SeverityWarn, Action: models.ActionNone,
			Message: fmt.Sprintf("query joins %d tables, exceeding the recommended maximum of %d", result.JoinCount, v.cfg.MaxJoins),
		})
	}

	result.NormalizedSQL = v.applyAutoFixes(sql, masked, &result)
	finalize(&result)
	return result
}

// applyAutoFixes implements rules 3 and 7: appending LIMIT before the
// terminating semicolon, then ensuring the statement ends with exactly one
// trailing semicolon.
func (v *Validator) applyAutoFixes(sql, masked string, result *models.LintResult) string {
	trimmed := strings.TrimRight(sql, " \t\n\r")
	maskedTrimmed := strings.TrimRight(masked, " \t\n\r")

	hadTrailingSemicolon := strings.HasSuffix(maskedTrimmed, ";")
	body := trimmed
	if hadTrailingSemicolon {
		body = strings.TrimRight(strings.TrimSuffix(trimmed, ";"), " \t\n\r")
	}

	if v.cfg.RequireLimit && !limitPattern.MatchString(masked) {
		body = fmt.Sprintf("%s LIMIT %d", body, v.cfg.MaxLimit)
		result.Issues = append(result.Issues, models.Issue{
			Code: models.IssueAutoLimit, Severity: models.SeverityInfo, Action: models.ActionAutoFixed,
			Message: fmt.Sprintf("appended LIMIT %d", v.cfg.MaxLimit),
		})
	}

	if !hadTrailingSemicolon {
		result.Issues = append(result.Issues, models.Issue{
			Code: models.IssueAutoSemicolon, Severity: models.SeverityInfo, Action: models.ActionAutoFixed,
			Message: "appended trailing semicolon",
		})
	}

	return body + ";"
}

// finalize sets ExecutableSafely (no fail_fast issue) and Valid (no
// fail_fast or error-severity issue) per spec §4.6.
func finalize(r *models.LintResult) {
	r.ExecutableSafely = true
	r.Valid = true
	for _, iss := range r.Issues {
		switch iss.Severity {
		case models.SeverityFailFast:
			r.ExecutableSafely = false
			r.Valid = false
		case models.SeverityError:
			r.Valid = false
		}
	}
}

// maskNonNormalRegions walks sql byte by byte through the six-state
// machine, replacing every character outside the NORMAL region with a
// space. Output has the same length as sql; all NORMAL-region bytes are
// preserved verbatim so column/position-sensitive callers stay aligned.
func maskNonNormalRegions(sql string) string {
	masked := make([]byte, len(sql))
	state := stateNormal
	dollarTag := ""

	i := 0
	for i < len(sql) {
		c := sql[i]
		switch state {
		case stateNormal:
			switch {
			case c == '\'':
				masked[i] = ' '
				state = stateSingleQuote
				i++
			case c == '"':
				masked[i] = ' '
				state = stateDoubleQuote
				i++
			case c == '$':
				if tag, ok := matchDollarTagOpen(sql, i); ok {
					maskRange(masked, i, len(tag))
					i += len(tag)
					dollarTag = tag
					state = stateDollarQuote
					continue
				}
				masked[i] = c
				i++
			case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
				maskRange(masked, i, 2)
				i += 2
				state = stateLineComment
			case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
				maskRange(masked, i, 2)
				i += 2
				state = stateBlockComment
			default:
				masked[i] = c
				i++
			}

		case stateSingleQuote:
			masked[i] = ' '
			if c == '\'' {
				if i+1 < len(sql) && sql[i+1] == '\'' {
					masked[i+1] = ' '
					i += 2
					continue
				}
				state = stateNormal
			}
			i++

		case stateDoubleQuote:
			masked[i] = ' '
			if c == '"' {
				if i+1 < len(sql) && sql[i+1] == '"' {
					masked[i+1] = ' '
					i += 2
					continue
				}
				state = stateNormal
			}
			i++

		case stateDollarQuote:
			if c == '$' && strings.HasPrefix(sql[i:], dollarTag) {
				maskRange(masked, i, len(dollarTag))
				i += len(dollarTag)
				state = stateNormal
				continue
			}
			masked[i] = ' '
			i++

		case stateLineComment:
			masked[i] = ' '
			if c == '\n' {
				state = stateNormal
			}
			i++

		case stateBlockComment:
			masked[i] = ' '
			if c == '*' && i+1 < len(sql) && sql[i+1] == '/' {
				masked[i+1] = ' '
				i += 2
				state = stateNormal
				continue
			}
			i++
		}
	}
	return string(masked)
}

func maskRange(masked []byte, start, n int) {
	for j := 0; j < n; j++ {
		masked[start+j] = ' '
	}
}

// matchDollarTagOpen checks whether sql[start:] opens a dollar-quote
// delimiter ($tag$, tag possibly empty) and returns the full delimiter.
func matchDollarTagOpen(sql string, start int) (string, bool) {
	j := start + 1
	for j < len(sql) && isTagChar(sql[j]) {
		j++
	}
	if j >= len(sql) || sql[j] != '$' {
		return "", false
	}
	return sql[start : j+1], true
}

func isTagChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// firstNormalToken returns the first whitespace-delimited run of
// non-space characters in masked.
func firstNormalToken(masked string) string {
	fields := strings.Fields(masked)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// dangerousFunctionNames returns the matched function-name capture group
// (without the trailing "(") for each dangerous-function match.
func dangerousFunctionNames(masked string) []string {
	matches := dangerousFunctionPattern.FindAllStringSubmatch(masked, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func dedupMatches(matches []string) []string {
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		key := strings.ToUpper(m)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

func dedupStrings(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// extractTableRefs pulls table names following FROM/JOIN, supporting
// schema.table and "quoted" forms, lowercased with the schema prefix
// stripped.
func extractTableRefs(masked string) []string {
	matches := fromJoinPattern.FindAllStringSubmatch(masked, -1)
	var tables []string
	for _, m := range matches {
		ref := m[1]
		if m[2] != "" {
			ref = m[2] // schema.table: the part after the dot is the table
		}
		ref = strings.Trim(ref, `"`)
		tables = append(tables, strings.ToLower(ref))
	}
	return tables
}
