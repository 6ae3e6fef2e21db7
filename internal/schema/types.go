package schema

// EventType identifies what happened. The vocabulary is closed; the ingestion
// validator rejects anything else.
type EventType string

const (
	EventAuthenticationFailed  EventType = "authentication_failed"
	EventAuthenticationSuccess EventType = "authentication_success"
	EventRoleChange            EventType = "role_change"
	EventPermissionEscalation  EventType = "permission_escalation"
	EventAdminAction           EventType = "admin_action"
	EventRateLimitExceeded     EventType = "rate_limit_exceeded"
	EventDataAccess            EventType = "data_access"
	EventDataExport            EventType = "data_export"
	EventSessionCreated        EventType = "session_created"
	EventSessionTerminated     EventType = "session_terminated"
	EventPasswordChange        EventType = "password_change"
	EventMFAFailed             EventType = "mfa_failed"
	EventSuspiciousInput       EventType = "suspicious_input"
	EventAPIRequest            EventType = "api_request"
)

// IsValid checks if the event type is part of the known vocabulary.
func (t EventType) IsValid() bool {
	switch t {
	case EventAuthenticationFailed, EventAuthenticationSuccess,
		EventRoleChange, EventPermissionEscalation, EventAdminAction,
		EventRateLimitExceeded, EventDataAccess, EventDataExport,
		EventSessionCreated, EventSessionTerminated, EventPasswordChange,
		EventMFAFailed, EventSuspiciousInput, EventAPIRequest:
		return true
	}
	return false
}

// ThreatType is the classification assigned by the scorer.
type ThreatType string

const (
	ThreatBruteForce          ThreatType = "brute_force"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatDataBreach          ThreatType = "data_breach"
	ThreatUnauthorizedAccess  ThreatType = "unauthorized_access"
	ThreatSuspiciousActivity  ThreatType = "suspicious_activity"
	ThreatRateLimitViolation  ThreatType = "rate_limit_violation"
	ThreatMaliciousInput      ThreatType = "malicious_input"
	ThreatSessionHijacking    ThreatType = "session_hijacking"
	ThreatCredentialStuffing  ThreatType = "credential_stuffing"
	ThreatAPIAbuse            ThreatType = "api_abuse"
	ThreatNone                ThreatType = "none"
)

// IsValid checks if the threat type is a valid value.
func (t ThreatType) IsValid() bool {
	switch t {
	case ThreatBruteForce, ThreatPrivilegeEscalation, ThreatDataBreach,
		ThreatUnauthorizedAccess, ThreatSuspiciousActivity, ThreatRateLimitViolation,
		ThreatMaliciousInput, ThreatSessionHijacking, ThreatCredentialStuffing,
		ThreatAPIAbuse, ThreatNone:
		return true
	}
	return false
}

// SecurityLevel is the coarse severity bucket derived from a risk score.
type SecurityLevel string

const (
	LevelLow      SecurityLevel = "low"
	LevelMedium   SecurityLevel = "medium"
	LevelHigh     SecurityLevel = "high"
	LevelCritical SecurityLevel = "critical"
)

// SecurityLevels lists every level from least to most severe.
var SecurityLevels = []SecurityLevel{LevelLow, LevelMedium, LevelHigh, LevelCritical}

// IsValid checks if the level is a valid value.
func (l SecurityLevel) IsValid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return true
	}
	return false
}

// Rank orders levels so they can be compared; unknown levels rank below low.
func (l SecurityLevel) Rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether l is as severe as other or more.
func (l SecurityLevel) AtLeast(other SecurityLevel) bool {
	return l.Rank() >= other.Rank()
}

// Risk score bounds.
const (
	MinRiskScore = 0
	MaxRiskScore = 100
)

// ClampRiskScore bounds a raw score to [0,100].
func ClampRiskScore(score int) int {
	if score < MinRiskScore {
		return MinRiskScore
	}
	if score > MaxRiskScore {
		return MaxRiskScore
	}
	return score
}

// LevelForScore maps a risk score to its level:
// >=80 critical, >=50 high, >=25 medium, otherwise low.
func LevelForScore(score int) SecurityLevel {
	score = ClampRiskScore(score)
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 25:
		return LevelMedium
	default:
		return LevelLow
	}
}
