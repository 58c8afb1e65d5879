package workflow

import (
	"context"
	"regexp"
	"strings"
)

// reviewThreshold is the affected-records estimate above which a verdict is at
// least REQUIRES_REVIEW.
const reviewThreshold = 1000

// Verify produces the structured safety/correctness assessment for edit
// statements. The LLM writes the report; deterministic static checks may only
// downgrade the verdict, never upgrade it.
func (g *Generator) Verify(ctx context.Context, st TurnState, sqls []string) (*VerificationReport, error) {
	systemPrompt := g.prompts.GetPrompt("verify") +
		"\n\n## Database Schema\n\n```\n" + st.SchemaContext + "```"

	ctx, cancel := context.WithTimeout(ctx, g.opts.LLMTimeout)
	defer cancel()

	var report VerificationReport
	if err := CompleteJSON(ctx, g.llm, systemPrompt, JoinStatements(sqls), &report); err != nil {
		return nil, err
	}

	normalizeVerdict(&report)
	for _, sql := range sqls {
		applyStaticChecks(&report, sql, g.targetTable)
	}
	return &report, nil
}

func normalizeVerdict(r *VerificationReport) {
	switch r.Verdict {
	case VerdictSafe, VerdictRequiresReview, VerdictDoNotExecute:
	default:
		// An unreadable verdict is treated conservatively.
		r.Verdict = VerdictRequiresReview
	}
	if r.EstimatedAffectedRecords > reviewThreshold && r.Verdict == VerdictSafe {
		r.Verdict = VerdictRequiresReview
	}
	if (!r.IsCorrect || len(r.CorrectnessIssues) > 0) && r.Verdict == VerdictSafe {
		r.Verdict = VerdictRequiresReview
	}
}

var (
	whereRe             = regexp.MustCompile(`(?i)\bWHERE\b`)
	disableConstraintRe = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\s+.*\b(DISABLE\s+TRIGGER|DROP\s+CONSTRAINT)\b`)
)

// applyStaticChecks enforces the minimal dangerous set: unrestricted
// UPDATE/DELETE, dropping or truncating the analyzed table, disabling
// constraints. Findings force DO_NOT_EXECUTE.
func applyStaticChecks(r *VerificationReport, sql, targetTable string) {
	critical := func(issue string) {
		r.IsSafe = false
		r.SafetyIssues = append(r.SafetyIssues, issue)
		r.Verdict = VerdictDoNotExecute
	}

	keyword := FirstKeyword(sql)
	hasWhere := whereRe.MatchString(sql)

	switch keyword {
	case "UPDATE":
		if !hasWhere {
			critical("UPDATE without a WHERE clause affects every row")
		}
	case "DELETE":
		if !hasWhere {
			critical("DELETE without a WHERE clause removes every row")
		}
	case "DROP":
		if targetTable != "" && containsTable(sql, targetTable) {
			critical("statement drops the analyzed table")
		}
	case "TRUNCATE":
		if targetTable == "" || containsTable(sql, targetTable) {
			critical("statement truncates the analyzed table")
		}
	case "ALTER":
		if disableConstraintRe.MatchString(sql) {
			critical("statement disables or drops a constraint")
		}
	}
}

func containsTable(sql, table string) bool {
	return strings.Contains(strings.ToLower(sql), strings.ToLower(table))
}
