package crm

// AccountPolicy decides how a contact's account link is carried across
// systems. It is fixed per deployment, not per record.
type AccountPolicy int

// Account-linking policies. The zero value is PolicyNone.
const (
	// PolicyNone syncs contacts without an account link.
	PolicyNone AccountPolicy = iota
	// PolicyAssignDummyAccount links every synced contact to the target
	// system's configured placeholder account.
	PolicyAssignDummyAccount
	// PolicySyncAccount finds or creates the same-named account in the
	// target system and links the contact to it.
	PolicySyncAccount
)

// Configuration spellings of the policies.
const (
	policyNameNone     = "none"
	policyNameDummy    = "assignDummyAccount"
	policyNameSyncAcct = "syncAccount"
)

func (p AccountPolicy) String() string {
	switch p {
	case PolicyAssignDummyAccount:
		return policyNameDummy
	case PolicySyncAccount:
		return policyNameSyncAcct
	default:
		return policyNameNone
	}
}

// ParsePolicy maps a configuration value onto a policy. Empty and
// unrecognized values resolve to PolicyNone; recognized is false for
// unrecognized non-empty values so the caller can warn about them.
func ParsePolicy(s string) (policy AccountPolicy, recognized bool) {
	switch s {
	case policyNameDummy:
		return PolicyAssignDummyAccount, true
	case policyNameSyncAcct:
		return PolicySyncAccount, true
	case policyNameNone, "":
		return PolicyNone, true
	default:
		return PolicyNone, false
	}
}
