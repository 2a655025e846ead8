package analysisapi

// Remote job statuses. The service also reports intermediate values such as
// "created" or "generating_strategy"; anything that is not terminal is
// treated as in progress.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type CreateRequest struct {
	CompanyName  string `json:"company_name"`
	WebsiteURL   string `json:"website_url"`
	Industry     string `json:"industry"`
	AnalysisType string `json:"analysis_type,omitempty"`
}

type CreateResponse struct {
	AnalysisID int64  `json:"analysis_id"`
	Status     string `json:"status"`
}

type Progress struct {
	AnalysisID         int64   `json:"analysis_id"`
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// Done reports whether the job reached its terminal success state.
func (p Progress) Done() bool {
	return p.Status == StatusCompleted || p.ProgressPercentage >= 100
}

// Failed reports whether the service gave up on the job.
func (p Progress) Failed() bool {
	return p.Status == StatusFailed || p.Status == "error"
}

type Insight struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

type Recommendation struct {
	ID              int64   `json:"id"`
	ProductID       int64   `json:"product_id"`
	MatchPercentage float64 `json:"match_percentage"`
	ConfidenceScore float64 `json:"confidence_score"`
	IsAccepted      bool    `json:"is_accepted"`
}

type SalesStrategy struct {
	ID                           int64  `json:"id"`
	Status                       string `json:"status"`
	AccountStrategicOverview     string `json:"account_strategic_overview"`
	PriorityInitiatives          string `json:"priority_initiatives"`
	FinancialPositioning         string `json:"financial_positioning"`
	TechnicalEnablementSummary   string `json:"technical_enablement_summary"`
	ObjectionHandling            string `json:"objection_handling"`
	ExecutiveConversationVersion string `json:"executive_conversation_version"`
	EmailVersion                 string `json:"email_version"`
}

// FullResult is the completed analysis. Scores are nil until computed.
type FullResult struct {
	AnalysisID      int64            `json:"analysis_id"`
	CompanyID       int64            `json:"company_id"`
	CompanyName     string           `json:"company_name"`
	Status          string           `json:"status"`
	StrategicScore  *float64         `json:"strategic_score"`
	PropensityScore *float64         `json:"propensity_score"`
	Insights        []Insight        `json:"insights"`
	Recommendations []Recommendation `json:"recommendations"`
	SalesStrategy   *SalesStrategy   `json:"sales_strategy"`
}

type ListItem struct {
	AnalysisID      int64    `json:"analysis_id"`
	CompanyID       int64    `json:"company_id"`
	CompanyName     string   `json:"company_name"`
	Status          string   `json:"status"`
	StrategicScore  *float64 `json:"strategic_score"`
	PropensityScore *float64 `json:"propensity_score"`
}

type RecommendationUpdate struct {
	Message          string `json:"message"`
	RecommendationID int64  `json:"recommendation_id"`
	IsAccepted       bool   `json:"is_accepted"`
}

type Ack struct {
	Message    string `json:"message"`
	AnalysisID int64  `json:"analysis_id,omitempty"`
}
