package schema

import "github.com/google/uuid"

// ThreatAnalysis is the classification part of an ingestion result.
type ThreatAnalysis struct {
	ThreatType      ThreatType `json:"threat_type"`
	Indicators      []string   `json:"indicators"`
	ComplianceFlags []string   `json:"compliance_flags,omitempty"`
	AlertsRaised    int        `json:"alerts_raised"`
	Findings        int        `json:"findings"`
}

// LogResult is what the caller of the ingestion interface gets back. On
// failure only Success and Error are meaningful.
type LogResult struct {
	Success        bool            `json:"success"`
	AuditID        uuid.UUID       `json:"audit_id,omitempty"`
	SecurityLevel  SecurityLevel   `json:"security_level,omitempty"`
	RiskScore      int             `json:"risk_score"`
	ThreatAnalysis *ThreatAnalysis `json:"threat_analysis,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// FailedResult builds an unsuccessful LogResult.
func FailedResult(msg string) LogResult {
	return LogResult{Success: false, Error: msg}
}
