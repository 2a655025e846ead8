package submission

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kalambet/acctintel/internal/account"
	"github.com/kalambet/acctintel/internal/analysisapi"
)

func ptr(f float64) *float64 { return &f }

func TestFormatResult_SectionOrder(t *testing.T) {
	res := sampleResult()
	res.AnalysisID = 42
	res.StrategicScore = ptr(78)
	res.SalesStrategy = &analysisapi.SalesStrategy{
		Status:                   "completed",
		AccountStrategicOverview: "Lead with the ERP migration.",
	}

	got := FormatResult(res)
	want := strings.Join([]string{
		"Analysis for Acme: completed",
		"Strategic score: 78 | Propensity score: n/a",
		"",
		"Key insights (2):",
		"• Legacy ERP nearing end of life [high]",
		"• No customer data platform [medium]",
		"",
		"Recommended products (1):",
		"• Product #314: 87% match, confidence 0.90",
		"",
		"Sales strategy:",
		"Lead with the ERP migration.",
	}, "\n")
	assert.Equal(t, want, got)
	assert.Equal(t, got, FormatResult(res), "formatting is deterministic")
}

func TestFormatResult_CapsLists(t *testing.T) {
	res := analysisapi.FullResult{AnalysisID: 5}
	for i := range 5 {
		res.Insights = append(res.Insights, analysisapi.Insight{Title: string(rune('A' + i))})
		res.Recommendations = append(res.Recommendations, analysisapi.Recommendation{ProductID: int64(100 + i), IsAccepted: i == 0})
	}

	got := FormatResult(res)
	assert.True(t, strings.HasPrefix(got, "Analysis for analysis #5: completed"))
	assert.Equal(t, 2, strings.Count(got, "...and 2 more"))
	assert.Contains(t, got, "• C\n")
	assert.NotContains(t, got, "• D")
	assert.Contains(t, got, "Product #100: 0% match, confidence 0.00, accepted")
	assert.NotContains(t, got, "Product #103")
	assert.NotContains(t, got, "Sales strategy")
}

func TestFormatResult_EmptySections(t *testing.T) {
	got := FormatResult(analysisapi.FullResult{
		CompanyName:   "Acme",
		Status:        "completed",
		SalesStrategy: &analysisapi.SalesStrategy{Status: "pending"},
	})
	assert.Contains(t, got, "Key insights: none reported")
	assert.Contains(t, got, "Recommended products: none yet")
	assert.Contains(t, got, "Sales strategy: pending")
}

func TestFormatResult_StrategyExcerpt(t *testing.T) {
	long := strings.Repeat("word ", 100)
	got := FormatResult(analysisapi.FullResult{
		CompanyName:   "Acme",
		SalesStrategy: &analysisapi.SalesStrategy{ExecutiveConversationVersion: long},
	})
	i := strings.Index(got, "Sales strategy:\n")
	if assert.GreaterOrEqual(t, i, 0) {
		body := got[i+len("Sales strategy:\n"):]
		assert.True(t, strings.HasSuffix(body, "..."))
		assert.LessOrEqual(t, len([]rune(body)), strategyExcerpt+3)
	}
}

func TestFormatError(t *testing.T) {
	for _, k := range []Kind{MalformedInput, SubmissionFailed, StatusUnavailable, ResultUnavailable, AnalysisTimedOut, AnalysisFailed, Cancelled} {
		got := FormatError(&Error{Kind: k, Message: "boom"})
		assert.True(t, strings.HasPrefix(got, ErrorMarker+" "), "kind %s: %q", k, got)
	}
	assert.Equal(t, "[error] Could not start the analysis: Unauthorized",
		FormatError(&Error{Kind: SubmissionFailed, Message: "Unauthorized", HTTPStatus: 401}))
}

func TestProgressText(t *testing.T) {
	assert.Equal(t, "Analyzing Acme... 30% (processing)",
		ProgressText("Acme", analysisapi.Progress{ProgressPercentage: 30, Status: "processing"}))
	assert.Equal(t, "Analyzing Acme... 0% (processing)", ProgressText("Acme", analysisapi.Progress{}))
}

func TestIsProgressText(t *testing.T) {
	assert.True(t, IsProgressText(SubmittedText))
	assert.True(t, IsProgressText(ProgressText("Acme", analysisapi.Progress{ProgressPercentage: 40})))
	assert.False(t, IsProgressText(FormatResult(sampleResult())))
	assert.False(t, IsProgressText(FormatError(&Error{Kind: Cancelled})))
}

func TestUserText(t *testing.T) {
	got := UserText(account.Submission{
		URL:          "https://acme.io/",
		CompanyName:  "Acme",
		Industry:     "Technology",
		AnalysisType: account.FullAnalysis,
	})
	assert.Equal(t, "Analyze Acme\nURL: https://acme.io/\nIndustry: Technology\nAnalysis: Full Analysis", got)
}
