package model

import "time"

// CampaignStatus represents campaign lifecycle status
type CampaignStatus string

const (
	CampaignDraft  CampaignStatus = "DRAFT"
	CampaignActive CampaignStatus = "ACTIVE"
	CampaignPaused CampaignStatus = "PAUSED"
	CampaignClosed CampaignStatus = "CLOSED"
)

// Valid reports whether s is one of the known lifecycle statuses
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignActive, CampaignPaused, CampaignClosed:
		return true
	}
	return false
}

// ApplicationStatus represents the review status of an application
type ApplicationStatus string

const (
	ApplicationPending   ApplicationStatus = "PENDING"
	ApplicationReviewing ApplicationStatus = "REVIEWING"
	ApplicationApproved  ApplicationStatus = "APPROVED"
	ApplicationRejected  ApplicationStatus = "REJECTED"
)

// MembershipStatus is what the membership directory knows about an identity
type MembershipStatus string

const (
	MemberActive   MembershipStatus = "ACTIVE"
	MemberInactive MembershipStatus = "INACTIVE"
	MemberDebtor   MembershipStatus = "DEBTOR"
	MemberNotFound MembershipStatus = "NOT_FOUND"
)

// FieldType represents the input type of a form field
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldTel      FieldType = "tel"
	FieldNumber   FieldType = "number"
	FieldTextarea FieldType = "textarea"
	FieldSelect   FieldType = "select"
	FieldCheckbox FieldType = "checkbox"
	FieldDate     FieldType = "date"
)

// FieldValidation holds optional declared constraints of a field
type FieldValidation struct {
	MinLength      *int   `json:"minLength,omitempty"`
	MaxLength      *int   `json:"maxLength,omitempty"`
	Pattern        string `json:"pattern,omitempty"`
	PatternMessage string `json:"patternMessage,omitempty"`
}

// FieldDefinition is one entry of a campaign's form schema
type FieldDefinition struct {
	Name       string           `json:"name"`
	Label      string           `json:"label"`
	Type       FieldType        `json:"type"`
	Required   bool             `json:"required"`
	Options    []string         `json:"options,omitempty"`
	Validation *FieldValidation `json:"validation,omitempty"`
}

// EmailTemplate is a subject/body pair rendered with the submitted form data
type EmailTemplate struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailRule overrides the default template when a payload field matches a value
type EmailRule struct {
	ConditionField string        `json:"conditionField"`
	ConditionValue string        `json:"conditionValue"`
	Template       EmailTemplate `json:"template"`
}

// Campaign is a time-boxed partner offer members can apply to
type Campaign struct {
	ID           string            `json:"id"`
	Code         string            `json:"code"`
	Slug         string            `json:"slug"`
	Title        string            `json:"title"`
	Status       CampaignStatus    `json:"status"`
	MaxQuota     *int              `json:"maxQuota,omitempty"`
	StartDate    *time.Time        `json:"startDate,omitempty"`
	EndDate      *time.Time        `json:"endDate,omitempty"`
	FormSchema   []FieldDefinition `json:"formSchema"`
	EmailRules   []EmailRule       `json:"emailRules,omitempty"`
	DefaultEmail EmailTemplate     `json:"defaultEmail"`
	// ApplicationCount is the committed count at read time; only used for soft checks.
	ApplicationCount int       `json:"applicationCount"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Application is a persisted submission of one member to one campaign
type Application struct {
	ID         string                 `json:"id"`
	CampaignID string                 `json:"campaignId"`
	Identity   string                 `json:"-"`
	FormData   map[string]interface{} `json:"formData"`
	ClientIP   string                 `json:"clientIp,omitempty"`
	Status     ApplicationStatus      `json:"status"`
	AdminNotes *string                `json:"adminNotes,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// NewApplication is the input of the store's atomic insert
type NewApplication struct {
	ID         string
	CampaignID string
	Identity   string
	FormData   map[string]interface{}
	ClientIP   string
}

// MaskIdentity hides the middle of an identity for logs
func MaskIdentity(identity string) string {
	if len(identity) <= 5 {
		return "***"
	}
	return identity[:3] + "******" + identity[len(identity)-2:]
}
