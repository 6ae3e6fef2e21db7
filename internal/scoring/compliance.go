package scoring

import "security-risk-engine/internal/schema"

// Compliance flags are framework:tag pairs.
const (
	FlagSOC2AccessControl    = "soc2:access_control"
	FlagISO27001AccessCtrl   = "iso27001:A.9"
	FlagSOC2ChangeManagement = "soc2:change_management"
	FlagSOXPrivilegedAccess  = "sox:privileged_access"
	FlagGDPRDataAccess       = "gdpr:data_access"
	FlagHIPAAPHIAccess       = "hipaa:phi_access"
	FlagPCIPasswordPolicy    = "pci_dss:8.3"
	FlagPCISecureCoding      = "pci_dss:6.5"
)

var eventTypeFlags = map[schema.EventType][]string{
	schema.EventAuthenticationFailed:  {FlagSOC2AccessControl, FlagISO27001AccessCtrl},
	schema.EventAuthenticationSuccess: {FlagSOC2AccessControl, FlagISO27001AccessCtrl},
	schema.EventMFAFailed:             {FlagSOC2AccessControl, FlagISO27001AccessCtrl},
	schema.EventRoleChange:            {FlagSOC2ChangeManagement, FlagSOXPrivilegedAccess},
	schema.EventPermissionEscalation:  {FlagSOC2ChangeManagement, FlagSOXPrivilegedAccess},
	schema.EventAdminAction:           {FlagSOC2ChangeManagement, FlagSOXPrivilegedAccess},
	schema.EventDataAccess:            {FlagGDPRDataAccess, FlagHIPAAPHIAccess},
	schema.EventDataExport:            {FlagGDPRDataAccess, FlagHIPAAPHIAccess},
	schema.EventPasswordChange:        {FlagPCIPasswordPolicy},
}

var inputIndicators = map[string]bool{
	IndicatorSQLInjection:     true,
	IndicatorXSS:              true,
	IndicatorPathTraversal:    true,
	IndicatorCommandInjection: true,
}

// ComplianceFlags returns the regulatory tags for an event of the given
// type with the given indicators. The result is never nil.
func ComplianceFlags(eventType schema.EventType, indicators []string) []string {
	flags := append([]string{}, eventTypeFlags[eventType]...)
	for _, ind := range indicators {
		if inputIndicators[ind] {
			flags = append(flags, FlagPCISecureCoding)
			break
		}
	}
	return flags
}
