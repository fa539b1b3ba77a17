package models

type PrincipalKind string

const (
	PrincipalUser           PrincipalKind = "user"
	PrincipalInfrastructure PrincipalKind = "infrastructure"
)

type Capability string

// CapabilityPIIAdmin allows reading any PII record including SSN.
const CapabilityPIIAdmin Capability = "pii:admin"

// Principal is the authenticated caller of one request. It is never stored.
type Principal struct {
	UserID       string        `json:"user_id"`
	Email        string        `json:"email,omitempty"`
	Phone        string        `json:"phone,omitempty"`
	Status       string        `json:"status,omitempty"`
	Kind         PrincipalKind `json:"kind"`
	Capabilities []Capability  `json:"capabilities,omitempty"`
	SourceIP     string        `json:"-"`
	UserAgent    string        `json:"-"`
	RequestID    string        `json:"-"`
}

func (p *Principal) Has(c Capability) bool {
	if p == nil {
		return false
	}
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (p *Principal) IsElevated() bool {
	return p.Has(CapabilityPIIAdmin)
}

func (p *Principal) IsInfrastructure() bool {
	return p != nil && p.Kind == PrincipalInfrastructure
}

func (p *Principal) IsSelf(userID string) bool {
	return p != nil && p.UserID != "" && p.UserID == userID
}
