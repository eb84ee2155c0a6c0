package models

import (
	"time"
)

// InterfaceType names the upstream interface that produced a failure.
type InterfaceType string

const (
	InterfaceOrder        InterfaceType = "ORDER"
	InterfaceCollection   InterfaceType = "COLLECTION"
	InterfaceDistribution InterfaceType = "DISTRIBUTION"
	InterfaceRecruitment  InterfaceType = "RECRUITMENT"
	InterfacePartnerOrder InterfaceType = "PARTNER_ORDER"
)

// Category classifies the failure reported by the upstream interface.
type Category string

const (
	CategoryValidation   Category = "VALIDATION"
	CategoryBusinessRule Category = "BUSINESS_RULE"
	CategoryTechnical    Category = "TECHNICAL"
	CategoryNetwork      Category = "NETWORK_ERROR"
	CategorySystem       Category = "SYSTEM_ERROR"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Status enumerates lifecycle states persisted for an exception.
type Status string

const (
	StatusNew           Status = "NEW"
	StatusAcknowledged  Status = "ACKNOWLEDGED"
	StatusRetriedFailed Status = "RETRIED_FAILED"
	StatusEscalated     Status = "ESCALATED"
	StatusResolved      Status = "RESOLVED"
)

// ResolutionMethod records how an exception reached RESOLVED.
type ResolutionMethod string

const (
	ResolutionRetrySuccess     ResolutionMethod = "RETRY_SUCCESS"
	ResolutionManual           ResolutionMethod = "MANUAL_RESOLUTION"
	ResolutionCustomerResolved ResolutionMethod = "CUSTOMER_RESOLVED"
	ResolutionAutomated        ResolutionMethod = "AUTOMATED"
)

var interfaceTypes = map[InterfaceType]struct{}{
	InterfaceOrder: {}, InterfaceCollection: {}, InterfaceDistribution: {},
	InterfaceRecruitment: {}, InterfacePartnerOrder: {},
}

var categories = map[Category]struct{}{
	CategoryValidation: {}, CategoryBusinessRule: {}, CategoryTechnical: {},
	CategoryNetwork: {}, CategorySystem: {},
}

var severities = map[Severity]struct{}{
	SeverityLow: {}, SeverityMedium: {}, SeverityHigh: {}, SeverityCritical: {},
}

var statuses = map[Status]struct{}{
	StatusNew: {}, StatusAcknowledged: {}, StatusRetriedFailed: {},
	StatusEscalated: {}, StatusResolved: {},
}

var resolutionMethods = map[ResolutionMethod]struct{}{
	ResolutionRetrySuccess: {}, ResolutionManual: {},
	ResolutionCustomerResolved: {}, ResolutionAutomated: {},
}

func (t InterfaceType) Valid() bool    { _, ok := interfaceTypes[t]; return ok }
func (c Category) Valid() bool         { _, ok := categories[c]; return ok }
func (s Severity) Valid() bool         { _, ok := severities[s]; return ok }
func (s Status) Valid() bool           { _, ok := statuses[s]; return ok }
func (m ResolutionMethod) Valid() bool { _, ok := resolutionMethods[m]; return ok }

// SeverityRank orders severities for sorting, LOW lowest.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ExceptionRecord is the durable record of one failed transaction.
type ExceptionRecord struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transactionId"`
	InterfaceType InterfaceType `json:"interfaceType"`
	ExternalID    string        `json:"externalId,omitempty"`
	CustomerID    string        `json:"customerId,omitempty"`
	LocationCode  string        `json:"locationCode,omitempty"`
	Operation     string        `json:"operation"`
	Reason        string        `json:"exceptionReason"`

	Category  Category `json:"category"`
	Severity  Severity `json:"severity"`
	Retryable bool     `json:"retryable"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retryCount"`
	MaxRetries int    `json:"maxRetries"`

	OccurredAt       time.Time        `json:"occurredAt"`
	ProcessedAt      time.Time        `json:"processedAt"`
	AcknowledgedAt   *time.Time       `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy   string           `json:"acknowledgedBy,omitempty"`
	AcknowledgeNotes string           `json:"acknowledgmentNotes,omitempty"`
	LastRetryAt      *time.Time       `json:"lastRetryAt,omitempty"`
	ResolvedAt       *time.Time       `json:"resolvedAt,omitempty"`
	ResolvedBy       string           `json:"resolvedBy,omitempty"`
	ResolutionMethod ResolutionMethod `json:"resolutionMethod,omitempty"`
	ResolutionNotes  string           `json:"resolutionNotes,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can stage edits without aliasing pointers.
func (r ExceptionRecord) Clone() ExceptionRecord {
	r.AcknowledgedAt = cloneTime(r.AcknowledgedAt)
	r.LastRetryAt = cloneTime(r.LastRetryAt)
	r.ResolvedAt = cloneTime(r.ResolvedAt)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StatusChange is one row of an exception's status history.
type StatusChange struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	FromStatus    Status    `json:"fromStatus,omitempty"`
	ToStatus      Status    `json:"toStatus"`
	ChangedBy     string    `json:"changedBy"`
	ChangedAt     time.Time `json:"changedAt"`
	Reason        string    `json:"reason,omitempty"`
}
