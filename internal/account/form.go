package account

import (
	"fmt"
	"sort"
	"strings"
)

// Form field names used as FieldErrors keys.
const (
	FieldURL          = "url"
	FieldIndustry     = "industry"
	FieldAnalysisType = "analysis_type"
)

// Industries accepted by the analysis service.
var Industries = []string{
	"Technology",
	"Finance",
	"Retail",
	"Manufacturing",
	"Logistics",
	"Healthcare",
	"Education",
	"Government",
	"E-commerce",
}

// Analysis modes. The first one is the default.
const (
	FullAnalysis           = "Full Analysis"
	DetectOpportunities    = "Detect Opportunities"
	MapCurrentStack        = "Map Current Stack"
	AnalyzeDigitalMaturity = "Analyze Digital Maturity"
)

var AnalysisTypes = []string{FullAnalysis, DetectOpportunities, MapCurrentStack, AnalyzeDigitalMaturity}

// Form is the raw composer input.
type Form struct {
	URL          string `json:"url"`
	CompanyName  string `json:"company_name"`
	Industry     string `json:"industry"`
	AnalysisType string `json:"analysis_type"`
}

// Submission is a validated Form.
type Submission struct {
	URL          string   // normalized
	CompanyName  string   // as typed, or derived from the URL
	Industry     string   // canonical spelling
	AnalysisType string
	Identity     Identity
}

// FieldErrors maps a form field to the reason it was rejected.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, fe[k])
	}
	return "invalid form: " + strings.Join(parts, "; ")
}

// Validate checks every field and reports all failures at once.
func (f Form) Validate() (Submission, FieldErrors) {
	errs := FieldErrors{}
	var sub Submission

	res := ValidateURL(f.URL)
	if res.OK {
		sub.URL = res.Normalized
	} else {
		errs[FieldURL] = res.Reason
	}

	if industry, ok := CanonicalIndustry(f.Industry); ok {
		sub.Industry = industry
	} else if strings.TrimSpace(f.Industry) == "" {
		errs[FieldIndustry] = "Industry required."
	} else {
		errs[FieldIndustry] = fmt.Sprintf("Unknown industry %q. Choose one of: %s.", strings.TrimSpace(f.Industry), strings.Join(Industries, ", "))
	}

	if at, ok := CanonicalAnalysisType(f.AnalysisType); ok {
		sub.AnalysisType = at
	} else {
		errs[FieldAnalysisType] = fmt.Sprintf("Unknown analysis type %q.", strings.TrimSpace(f.AnalysisType))
	}

	if len(errs) > 0 {
		return Submission{}, errs
	}

	derived, err := DeriveFromURL(sub.URL)
	if err != nil {
		return Submission{}, FieldErrors{FieldURL: ReasonUnparseable}
	}
	sub.CompanyName = strings.TrimSpace(f.CompanyName)
	if sub.CompanyName == "" {
		sub.CompanyName = derived.CompanyName
	}
	sub.Identity = IdentityFor(sub.CompanyName, derived.Domain)
	return sub, nil
}

// CanonicalIndustry matches s case-insensitively against Industries.
func CanonicalIndustry(s string) (string, bool) {
	return canonical(s, Industries)
}

// CanonicalAnalysisType matches s against AnalysisTypes. Blank is FullAnalysis.
func CanonicalAnalysisType(s string) (string, bool) {
	if strings.TrimSpace(s) == "" {
		return FullAnalysis, true
	}
	return canonical(s, AnalysisTypes)
}

func canonical(s string, options []string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, o := range options {
		if strings.EqualFold(s, o) {
			return o, true
		}
	}
	return "", false
}
