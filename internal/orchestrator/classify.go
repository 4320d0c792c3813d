package orchestrator

import (
	"fmt"
	"strings"

	"github.com/sentinelsec/aegis/pkg/provider"
)

// Classify determines the task type for a request. An explicit analysis type
// wins; otherwise lower-cased content and metadata are inspected for fixed
// keyword triggers, falling back to general analysis.
func Classify(req *provider.AnalysisRequest) provider.TaskType {
	if req.AnalysisType != "" {
		return req.AnalysisType
	}

	haystack := strings.ToLower(req.Content)
	for k, v := range req.Metadata {
		haystack += " " + strings.ToLower(k) + "=" + strings.ToLower(fmt.Sprintf("%v", v))
	}

	switch {
	case strings.Contains(haystack, "malware") || strings.Contains(haystack, "file_type=exe"):
		return provider.TaskMalwareAnalysis
	case strings.Contains(haystack, "vulnerability") || strings.Contains(haystack, "security"):
		return provider.TaskCodeSecurityReview
	case strings.Contains(haystack, "threat") || strings.Contains(haystack, "ioc"):
		return provider.TaskThreatIntelligence
	case strings.Contains(haystack, "incident") || strings.Contains(haystack, "breach"):
		return provider.TaskIncidentResponse
	default:
		return provider.TaskGeneralAnalysis
	}
}
