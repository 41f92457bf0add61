package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"applybox/internal/auth"
	"applybox/internal/campaign"
	"applybox/internal/db"
	"applybox/internal/metrics"
	"applybox/internal/model"
	"applybox/internal/notify"
	"applybox/internal/pubsub"
	"applybox/internal/ratelimit"
	"applybox/internal/schema"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// MembershipDirectory answers whether an identity is a member in good standing
type MembershipDirectory interface {
	LookupMember(ctx context.Context, identity string) (model.MembershipStatus, error)
}

// ApplicationStore persists applications. InsertApplicationIfAbsent must
// enforce uniqueness and quota atomically.
type ApplicationStore interface {
	ApplicationExists(ctx context.Context, campaignID, identity string) (bool, error)
	InsertApplicationIfAbsent(ctx context.Context, app model.NewApplication) (string, error)
}

// TokenService mints and checks session tokens
type TokenService interface {
	Issue(identity, campaignID string) (string, time.Time, error)
	Verify(token, expectedCampaignID string) (string, error)
}

// identityFields are payload keys that must carry the verified identity
var identityFields = []string{"tckn", "tc"}

type SubmissionDeps struct {
	Campaigns  *CampaignService
	Members    MembershipDirectory
	Apps       ApplicationStore
	Limiter    ratelimit.Limiter
	Tokens     TokenService
	SchemaComp *schema.Compiler
	Dispatcher notify.Dispatcher
	Bus        EventBus
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	// LimiterFailOpen lets requests through when the limiter itself fails.
	LimiterFailOpen bool
}

type SubmissionService struct {
	SubmissionDeps
}

func NewSubmissionService(deps SubmissionDeps) *SubmissionService {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &SubmissionService{SubmissionDeps: deps}
}

type Verification struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CampaignID string    `json:"campaignId"`
}

// StartVerification checks that identity may apply to the campaign and
// issues a session token bound to both. Without a campaign id the newest
// campaign accepting submissions is used.
func (s *SubmissionService) StartVerification(ctx context.Context, identity, campaignID string) (_ *Verification, err error) {
	defer func() { s.record(s.Metrics.Verifications, err) }()

	identity = strings.TrimSpace(identity)
	if !validIdentity(identity) {
		return nil, newError(CodeInvalidInput, "Identity must be exactly 11 digits.", nil)
	}
	log := s.Log.With(zap.String("identity", model.MaskIdentity(identity)))

	if err := s.allow(ctx, log, identity, ratelimit.ActionVerify); err != nil {
		return nil, err
	}

	c, err := s.Campaigns.Resolve(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaignID != "" {
		if err := s.Campaigns.StateMachine().CheckOpen(c); err != nil {
			return nil, notAccepting(c, err)
		}
	}
	log = log.With(zap.String("campaign_id", c.ID))

	status, err := s.Members.LookupMember(ctx, identity)
	if err != nil {
		log.Error("Membership lookup failed", zap.Error(err))
		return nil, unavailable(err)
	}
	switch status {
	case model.MemberActive:
	case model.MemberNotFound:
		return nil, newError(CodeNotAMember, msgNotAMember, nil)
	case model.MemberDebtor:
		return nil, newError(CodeBlocked, msgBlocked, nil)
	case model.MemberInactive:
		return nil, newError(CodeInactive, msgInactive, nil)
	default:
		log.Error("Unknown membership status", zap.String("status", string(status)))
		return nil, unavailable(fmt.Errorf("unknown membership status %q", status))
	}

	exists, err := s.Apps.ApplicationExists(ctx, c.ID, identity)
	if err != nil {
		log.Error("Application lookup failed", zap.Error(err))
		return nil, unavailable(err)
	}
	if exists {
		return nil, newError(CodeAlreadyApplied, msgAlreadyApplied, nil)
	}

	token, expiresAt, err := s.Tokens.Issue(identity, c.ID)
	if err != nil {
		log.Error("Failed to issue session token", zap.Error(err))
		return nil, unavailable(err)
	}

	log.Info("Verification succeeded", zap.Time("expires_at", expiresAt))
	return &Verification{Token: token, ExpiresAt: expiresAt, CampaignID: c.ID}, nil
}

type SubmitInput struct {
	Token      string
	CampaignID string
	FormData   map[string]interface{}
	ClientIP   string
}

type Submission struct {
	ApplicationID string `json:"applicationId"`
}

// Submit validates the form, sends the confirmation email and only then
// stores the application. A failed email means nothing is stored.
func (s *SubmissionService) Submit(ctx context.Context, input SubmitInput) (_ *Submission, err error) {
	defer func() { s.record(s.Metrics.Submissions, err) }()

	if input.Token == "" || input.CampaignID == "" {
		return nil, newError(CodeInvalidInput, "Token and campaignId are required.", nil)
	}

	identity, err := s.Tokens.Verify(input.Token, input.CampaignID)
	switch {
	case errors.Is(err, auth.ErrCampaignMismatch):
		return nil, newError(CodeIdentityMismatch, msgIdentityMismatch, err)
	case err != nil:
		return nil, newError(CodeSessionExpired, msgSessionExpired, err)
	}
	log := s.Log.With(
		zap.String("identity", model.MaskIdentity(identity)),
		zap.String("campaign_id", input.CampaignID),
	)

	if err := s.allow(ctx, log, identity, ratelimit.ActionSubmit); err != nil {
		return nil, err
	}

	c, err := s.Campaigns.Get(ctx, input.CampaignID)
	if err != nil {
		return nil, err
	}
	if err := s.Campaigns.StateMachine().CheckAcceptance(c); err != nil {
		if errors.Is(err, campaign.ErrQuotaReached) {
			return nil, newError(CodeQuotaExceeded, msgQuota, err)
		}
		return nil, notAccepting(c, err)
	}

	cleaned, fieldErrs, err := s.SchemaComp.Validate(ctx, c.FormSchema, input.FormData)
	if err != nil {
		log.Error("Stored form schema does not compile", zap.Error(err))
		return nil, unavailable(err)
	}
	if len(fieldErrs) > 0 {
		first, _ := fieldErrs.First()
		return nil, &Error{Code: CodeValidationFailed, Message: first.Message, FieldErrors: fieldErrs}
	}

	for _, field := range identityFields {
		if v, ok := cleaned[field]; ok && v != identity {
			log.Warn("Payload identity differs from session identity", zap.String("field", field))
			return nil, newError(CodeIdentityMismatch, msgIdentityMismatch, nil)
		}
	}

	if err := s.notify(ctx, log, c, cleaned); err != nil {
		return nil, err
	}

	id, err := s.Apps.InsertApplicationIfAbsent(ctx, model.NewApplication{
		ID:         ulid.Make().String(),
		CampaignID: c.ID,
		Identity:   identity,
		FormData:   cleaned,
		ClientIP:   input.ClientIP,
	})
	switch {
	case errors.Is(err, db.ErrDuplicateApplication):
		log.Warn("Duplicate application detected at insert after email was sent")
		return nil, newError(CodeDuplicateApplication, msgDuplicate, err)
	case errors.Is(err, db.ErrQuotaExceeded):
		log.Warn("Quota reached at insert after email was sent")
		return nil, newError(CodeQuotaExceeded, msgQuota, err)
	case errors.Is(err, db.ErrCampaignClosed):
		return nil, &Error{Code: CodeCampaignNotAccepting, Message: msgNotAccepting, Err: err}
	case errors.Is(err, db.ErrNotFound):
		return nil, newError(CodeCampaignNotFound, msgNotFound, err)
	case err != nil:
		log.Error("Failed to store application after email was sent", zap.Error(err))
		return nil, unavailable(err)
	}

	if err := s.Bus.PublishCampaign(ctx, pubsub.Event{
		Type:          pubsub.EventApplicationCreated,
		CampaignID:    c.ID,
		ApplicationID: id,
	}); err != nil {
		log.Warn("Failed to publish application event", zap.String("application_id", id), zap.Error(err))
	}

	log.Info("Application stored", zap.String("application_id", id))
	return &Submission{ApplicationID: id}, nil
}

func (s *SubmissionService) notify(ctx context.Context, log *zap.Logger, c *model.Campaign, cleaned map[string]interface{}) error {
	fail := func(err error) error {
		s.Metrics.NotificationFailures.Inc()
		return newError(CodeNotificationFailed, msgNotification, err)
	}

	to := recipient(c.FormSchema, cleaned)
	if to == "" {
		log.Warn("Form has no email address to confirm to")
		return fail(errors.New("no recipient in form data"))
	}

	data := make(map[string]interface{}, len(cleaned)+2)
	data["campaignTitle"] = c.Title
	data["campaignCode"] = c.Code
	for k, v := range cleaned {
		data[k] = v
	}

	subject, body, err := notify.Render(SelectTemplate(c, cleaned), data)
	if err != nil {
		log.Error("Failed to render confirmation email", zap.Error(err))
		return fail(err)
	}

	if err := s.Dispatcher.Send(ctx, notify.Message{
		To:       to,
		Subject:  subject,
		HTMLBody: body,
		Data:     data,
	}); err != nil {
		log.Error("Failed to send confirmation email", zap.Error(err))
		return fail(err)
	}
	return nil
}

// allow consults the limiter. Limiter failures count nothing and are
// reported as unavailability unless the service runs fail-open.
func (s *SubmissionService) allow(ctx context.Context, log *zap.Logger, identity, action string) error {
	ok, err := s.Limiter.Allow(ctx, identity, action)
	if err != nil {
		if s.LimiterFailOpen {
			log.Warn("Rate limiter failed, allowing request", zap.String("action", action), zap.Error(err))
			return nil
		}
		log.Error("Rate limiter failed", zap.String("action", action), zap.Error(err))
		return unavailable(err)
	}
	if !ok {
		log.Info("Rate limited", zap.String("action", action))
		return newError(CodeRateLimited, ratelimit.ThrottledMessage, nil)
	}
	return nil
}

func (s *SubmissionService) record(counter *prometheus.CounterVec, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(AsError(err).Code)
	}
	counter.WithLabelValues(outcome).Inc()
}

// SelectTemplate returns the template of the first email rule whose
// condition field equals its value in payload, or the default template.
func SelectTemplate(c *model.Campaign, payload map[string]interface{}) model.EmailTemplate {
	for _, rule := range c.EmailRules {
		v, ok := payload[rule.ConditionField]
		if !ok {
			continue
		}
		if s, ok := stringify(v); ok && s == rule.ConditionValue {
			return rule.Template
		}
	}
	return c.DefaultEmail
}

func stringify(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}

// recipient is the first non-empty email field of the form, in schema order
func recipient(defs []model.FieldDefinition, cleaned map[string]interface{}) string {
	for _, def := range defs {
		if def.Type != model.FieldEmail {
			continue
		}
		if s, ok := cleaned[def.Name].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func notAccepting(c *model.Campaign, err error) *Error {
	msg := msgNotAccepting
	var nae *campaign.NotAcceptingError
	if errors.As(err, &nae) && nae.Reason != "" {
		msg = fmt.Sprintf("This campaign is not accepting applications: %s.", nae.Reason)
	}
	return &Error{Code: CodeCampaignNotAccepting, Message: msg, Status: c.Status, Err: err}
}

func validIdentity(identity string) bool {
	if len(identity) != 11 {
		return false
	}
	for _, r := range identity {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
