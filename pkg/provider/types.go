package provider

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is the categorical analysis outcome
type Verdict string

const (
	VerdictBenign     Verdict = "benign"
	VerdictSuspicious Verdict = "suspicious"
	VerdictMalicious  Verdict = "malicious"
	VerdictUnknown    Verdict = "unknown"
)

// TaskType classifies what kind of analysis a request needs
type TaskType string

const (
	TaskMalwareAnalysis    TaskType = "malware_analysis"
	TaskCodeSecurityReview TaskType = "code_security_review"
	TaskThreatIntelligence TaskType = "threat_intelligence"
	TaskIncidentResponse   TaskType = "incident_response"
	TaskGeneralAnalysis    TaskType = "general_analysis"
)

// Priority orders requests for scheduling
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// AnalysisRequest describes one analysis submission. Immutable after creation.
type AnalysisRequest struct {
	ID           string                 `json:"id"`
	Content      string                 `json:"content"`
	Binary       []byte                 `json:"binary,omitempty"`
	AnalysisType TaskType               `json:"analysis_type,omitempty"`
	Priority     Priority               `json:"priority"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Options      map[string]interface{} `json:"options,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// NewAnalysisRequest creates a request with a generated ID and normal priority
func NewAnalysisRequest(content string) *AnalysisRequest {
	return &AnalysisRequest{
		ID:        uuid.New().String(),
		Content:   content,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
}

// AnalysisResult is the outcome of one analysis
type AnalysisResult struct {
	ID              string                 `json:"id"`
	Verdict         Verdict                `json:"verdict"`
	Confidence      float64                `json:"confidence"`
	Threats         []string               `json:"threats,omitempty"`
	Details         string                 `json:"details,omitempty"`
	Recommendations []string               `json:"recommendations,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Status reports a provider's current availability
type Status struct {
	Available bool   `json:"available"`
	Healthy   bool   `json:"healthy"`
	Message   string `json:"message,omitempty"`
}

// StreamChunk is one piece of a streamed analysis
type StreamChunk struct {
	Provider string `json:"provider"`
	Content  string `json:"content"`
	Final    bool   `json:"final"`
}
