package reporting

import (
	"fmt"
	"sort"

	"security-risk-engine/internal/schema"
)

// recommend derives action items from an aggregated report. Output order
// is deterministic: critical review, recurring threats, block candidates,
// off-hours policy, open incidents.
func (a *Aggregator) recommend(r *Report) []Recommendation {
	recs := []Recommendation{}

	if n := r.BySeverity[schema.LevelCritical]; n > 0 {
		recs = append(recs, Recommendation{
			Priority: PriorityCritical,
			Category: "incident_response",
			Message:  fmt.Sprintf("%d critical security events detected: immediate review required", n),
		})
	}

	type threatCount struct {
		threat schema.ThreatType
		count  int
	}
	var recurring []threatCount
	for t, n := range r.ByThreat {
		if t != schema.ThreatNone && n >= a.cfg.RecurringThreatMin {
			recurring = append(recurring, threatCount{t, n})
		}
	}
	sort.Slice(recurring, func(i, j int) bool {
		if recurring[i].count != recurring[j].count {
			return recurring[i].count > recurring[j].count
		}
		return recurring[i].threat < recurring[j].threat
	})
	for _, tc := range recurring {
		recs = append(recs, Recommendation{
			Priority: PriorityHigh,
			Category: "threat_mitigation",
			Message:  fmt.Sprintf("recurring %s activity (%d events): add targeted controls", tc.threat, tc.count),
		})
	}

	for _, ip := range r.TopIPs {
		if ip.Count > a.cfg.BlockCandidateMin {
			recs = append(recs, Recommendation{
				Priority: PriorityHigh,
				Category: "network_security",
				Message:  fmt.Sprintf("IP %s responsible for %d events: consider blocking", ip.Key, ip.Count),
			})
		}
	}

	if r.Summary.TotalEvents > 0 && ratio(r.Summary.OffHoursEvents, r.Summary.TotalEvents) > a.cfg.OffHoursRatio {
		recs = append(recs, Recommendation{
			Priority: PriorityMedium,
			Category: "access_policy",
			Message: fmt.Sprintf("%.1f%% of events occurred outside business hours: review off-hours access policy",
				r.Summary.OffHoursPercent),
		})
	}

	if n := r.Findings.Incidents.ByStatus[schema.IncidentActive]; n > 0 {
		recs = append(recs, Recommendation{
			Priority: PriorityHigh,
			Category: "incident_response",
			Message:  fmt.Sprintf("%d coordinated attack incidents remain active: investigate and resolve", n),
		})
	}

	return recs
}
