package submission

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/acctintel/internal/account"
	"github.com/kalambet/acctintel/internal/analysisapi"
)

const (
	// SubmittedText is the assistant placeholder written before the job exists.
	SubmittedText = "Analysis submitted, waiting for the job to start..."

	previewItems    = 3
	strategyExcerpt = 280

	progressPrefix = "Analyzing "
)

// UserText records the submitted fields as the user's message.
func UserText(sub account.Submission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze %s\n", sub.CompanyName)
	fmt.Fprintf(&b, "URL: %s\n", sub.URL)
	fmt.Fprintf(&b, "Industry: %s\n", sub.Industry)
	fmt.Fprintf(&b, "Analysis: %s", sub.AnalysisType)
	return b.String()
}

// ProgressText is the placeholder text while the job runs.
func ProgressText(company string, p analysisapi.Progress) string {
	status := p.Status
	if status == "" {
		status = analysisapi.StatusProcessing
	}
	return fmt.Sprintf("%s%s... %.0f%% (%s)", progressPrefix, company, p.ProgressPercentage, status)
}

// IsProgressText reports whether text is a placeholder written while the
// job was still running.
func IsProgressText(text string) bool {
	return text == SubmittedText || strings.HasPrefix(text, progressPrefix)
}

// FormatResult renders a completed analysis. Sections always appear in the
// same order: header, scores, insights, recommendations, sales strategy.
func FormatResult(res analysisapi.FullResult) string {
	var b strings.Builder

	name := res.CompanyName
	if name == "" {
		name = fmt.Sprintf("analysis #%d", res.AnalysisID)
	}
	status := res.Status
	if status == "" {
		status = analysisapi.StatusCompleted
	}
	fmt.Fprintf(&b, "Analysis for %s: %s\n", name, status)
	fmt.Fprintf(&b, "Strategic score: %s | Propensity score: %s\n", score(res.StrategicScore), score(res.PropensityScore))

	b.WriteString("\n")
	if len(res.Insights) == 0 {
		b.WriteString("Key insights: none reported\n")
	} else {
		fmt.Fprintf(&b, "Key insights (%d):\n", len(res.Insights))
		for _, in := range res.Insights[:min(previewItems, len(res.Insights))] {
			if in.Severity != "" {
				fmt.Fprintf(&b, "• %s [%s]\n", in.Title, in.Severity)
			} else {
				fmt.Fprintf(&b, "• %s\n", in.Title)
			}
		}
		writeOverflow(&b, len(res.Insights))
	}

	b.WriteString("\n")
	if len(res.Recommendations) == 0 {
		b.WriteString("Recommended products: none yet\n")
	} else {
		fmt.Fprintf(&b, "Recommended products (%d):\n", len(res.Recommendations))
		for _, r := range res.Recommendations[:min(previewItems, len(res.Recommendations))] {
			accepted := ""
			if r.IsAccepted {
				accepted = ", accepted"
			}
			fmt.Fprintf(&b, "• Product #%d: %.0f%% match, confidence %.2f%s\n", r.ProductID, r.MatchPercentage, r.ConfidenceScore, accepted)
		}
		writeOverflow(&b, len(res.Recommendations))
	}

	if s := res.SalesStrategy; s != nil {
		b.WriteString("\n")
		if text := strategyText(*s); text != "" {
			fmt.Fprintf(&b, "Sales strategy:\n%s\n", excerpt(text, strategyExcerpt))
		} else {
			fmt.Fprintf(&b, "Sales strategy: %s\n", s.Status)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// FormatError renders a failure for the assistant message.
func FormatError(e *Error) string {
	var msg string
	switch e.Kind {
	case MalformedInput:
		msg = "Invalid input: " + e.Message
	case SubmissionFailed:
		msg = "Could not start the analysis: " + e.Message
	case StatusUnavailable:
		msg = "Lost track of the analysis progress: " + e.Message
	case ResultUnavailable:
		msg = "The analysis finished but its result could not be loaded: " + e.Message
	case AnalysisTimedOut:
		msg = e.Message
	case AnalysisFailed:
		msg = "The analysis service reported a failure: " + e.Message
	case Cancelled:
		msg = "Analysis cancelled."
	default:
		msg = e.Message
	}
	return ErrorMarker + " " + msg
}

func score(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.0f", *v)
}

func writeOverflow(b *strings.Builder, total int) {
	if total > previewItems {
		fmt.Fprintf(b, "...and %d more\n", total-previewItems)
	}
}

func strategyText(s analysisapi.SalesStrategy) string {
	for _, v := range []string{
		s.AccountStrategicOverview,
		s.ExecutiveConversationVersion,
		s.PriorityInitiatives,
		s.FinancialPositioning,
		s.TechnicalEnablementSummary,
	} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func excerpt(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:limit]), " ") + "..."
}
