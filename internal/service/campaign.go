package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"applybox/internal/campaign"
	"applybox/internal/db"
	"applybox/internal/jobs"
	"applybox/internal/model"
	"applybox/internal/notify"
	"applybox/internal/pubsub"
	"applybox/internal/schema"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// CampaignRepository reads and writes campaigns
type CampaignRepository interface {
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	ListActiveCampaigns(ctx context.Context) ([]*model.Campaign, error)
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	UpdateCampaignStatus(ctx context.Context, id string, from, to model.CampaignStatus, at time.Time) error
}

type EventBus interface {
	PublishCampaign(ctx context.Context, event pubsub.Event) error
}

type CampaignService struct {
	repo       CampaignRepository
	sm         *campaign.StateMachine
	schemaComp *schema.Compiler
	bus        EventBus
	jobClient  JobClient
	log        *zap.Logger
}

func NewCampaignService(repo CampaignRepository, sm *campaign.StateMachine, schemaComp *schema.Compiler, bus EventBus, log *zap.Logger) *CampaignService {
	return &CampaignService{
		repo:       repo,
		sm:         sm,
		schemaComp: schemaComp,
		bus:        bus,
		log:        log,
	}
}

// SetJobClient sets the job client used to schedule automatic closing
func (s *CampaignService) SetJobClient(client JobClient) {
	s.jobClient = client
}

// StateMachine returns the state machine the service transitions with
func (s *CampaignService) StateMachine() *campaign.StateMachine {
	return s.sm
}

func (s *CampaignService) Get(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, newError(CodeCampaignNotFound, msgNotFound, err)
	}
	if err != nil {
		s.log.Error("Failed to load campaign", zap.String("campaign_id", id), zap.Error(err))
		return nil, unavailable(err)
	}
	return c, nil
}

// Resolve loads the campaign with the given id. Without an id it picks the
// newest ACTIVE campaign that accepts submissions right now; the lookup runs
// on every call.
func (s *CampaignService) Resolve(ctx context.Context, id string) (*model.Campaign, error) {
	if id != "" {
		return s.Get(ctx, id)
	}

	active, err := s.repo.ListActiveCampaigns(ctx)
	if err != nil {
		s.log.Error("Failed to list active campaigns", zap.Error(err))
		return nil, unavailable(err)
	}
	for _, c := range active {
		if s.sm.CanAcceptSubmissions(c) {
			return c, nil
		}
	}
	return nil, newError(CodeCampaignNotFound, "No campaign is currently accepting applications.", nil)
}

type CreateCampaignInput struct {
	Code         string                  `json:"code"`
	Slug         string                  `json:"slug"`
	Title        string                  `json:"title"`
	MaxQuota     *int                    `json:"maxQuota,omitempty"`
	StartDate    *time.Time              `json:"startDate,omitempty"`
	EndDate      *time.Time              `json:"endDate,omitempty"`
	FormSchema   []model.FieldDefinition `json:"formSchema"`
	EmailRules   []model.EmailRule       `json:"emailRules,omitempty"`
	DefaultEmail model.EmailTemplate     `json:"defaultEmail"`
	CreatedBy    string                  `json:"-"`
}

// Create stores a new campaign in DRAFT
func (s *CampaignService) Create(ctx context.Context, input CreateCampaignInput) (*model.Campaign, error) {
	if err := s.checkCreateInput(ctx, input); err != nil {
		return nil, err
	}

	c := &model.Campaign{
		ID:           ulid.Make().String(),
		Code:         strings.TrimSpace(input.Code),
		Slug:         strings.TrimSpace(input.Slug),
		Title:        strings.TrimSpace(input.Title),
		Status:       model.CampaignDraft,
		MaxQuota:     input.MaxQuota,
		StartDate:    input.StartDate,
		EndDate:      input.EndDate,
		FormSchema:   input.FormSchema,
		EmailRules:   input.EmailRules,
		DefaultEmail: input.DefaultEmail,
	}

	err := s.repo.CreateCampaign(ctx, c)
	if errors.Is(err, db.ErrCampaignExists) {
		return nil, newError(CodeInvalidInput, "A campaign with this code or slug already exists.", err)
	}
	if err != nil {
		s.log.Error("Failed to create campaign", zap.String("code", c.Code), zap.Error(err))
		return nil, unavailable(err)
	}

	s.log.Info("Campaign created",
		zap.String("campaign_id", c.ID),
		zap.String("code", c.Code),
		zap.String("created_by", input.CreatedBy),
	)
	return c, nil
}

func (s *CampaignService) checkCreateInput(ctx context.Context, input CreateCampaignInput) error {
	invalid := func(msg string, err error) error {
		return newError(CodeInvalidInput, msg, err)
	}

	if strings.TrimSpace(input.Code) == "" || strings.TrimSpace(input.Slug) == "" || strings.TrimSpace(input.Title) == "" {
		return invalid("Code, slug and title are required.", nil)
	}
	if input.MaxQuota != nil && *input.MaxQuota <= 0 {
		return invalid("maxQuota must be a positive integer.", nil)
	}
	if input.StartDate != nil && input.EndDate != nil && input.StartDate.After(*input.EndDate) {
		return invalid("startDate must not be after endDate.", nil)
	}
	if len(input.FormSchema) == 0 {
		return invalid("formSchema must contain at least one field.", nil)
	}
	if _, err := s.schemaComp.Prepare(ctx, input.FormSchema); err != nil {
		return invalid(err.Error(), err)
	}

	templates := []model.EmailTemplate{input.DefaultEmail}
	for i, rule := range input.EmailRules {
		if rule.ConditionField == "" {
			return invalid(fmt.Sprintf("emailRules[%d] has no conditionField.", i), nil)
		}
		templates = append(templates, rule.Template)
	}
	for _, tmpl := range templates {
		if strings.TrimSpace(tmpl.Subject) == "" || strings.TrimSpace(tmpl.Body) == "" {
			return invalid("Every email template needs a subject and a body.", nil)
		}
		if _, _, err := notify.Render(tmpl, map[string]interface{}{}); err != nil {
			return invalid(err.Error(), err)
		}
	}
	return nil
}

// Transition moves a campaign to target through the state machine and a
// compare-and-swap on the stored status.
func (s *CampaignService) Transition(ctx context.Context, id string, target model.CampaignStatus) (model.CampaignStatus, model.CampaignStatus, error) {
	if !target.Valid() {
		return "", "", newError(CodeInvalidInput, fmt.Sprintf("Unknown campaign status %q.", target), nil)
	}

	c, err := s.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	from := c.Status

	if _, err := s.sm.Transition(c, target); err != nil {
		return from, from, &Error{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("Cannot move campaign from %s to %s.", from, target),
			Status:  from,
			Err:     err,
		}
	}

	err = s.repo.UpdateCampaignStatus(ctx, id, from, target, c.UpdatedAt)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return "", "", newError(CodeCampaignNotFound, msgNotFound, err)
	case errors.Is(err, db.ErrStatusConflict):
		return from, from, &Error{
			Code:    CodeInvalidTransition,
			Message: "Campaign status changed concurrently. Reload and try again.",
			Status:  from,
			Err:     err,
		}
	case err != nil:
		s.log.Error("Failed to update campaign status", zap.String("campaign_id", id), zap.Error(err))
		return "", "", unavailable(err)
	}

	if target == model.CampaignActive && c.EndDate != nil && c.EndDate.After(s.sm.Now()) && s.jobClient != nil {
		if err := s.jobClient.ScheduleCampaignClose(ctx, id, *c.EndDate); err != nil {
			s.log.Warn("Failed to schedule campaign close", zap.String("campaign_id", id), zap.Error(err))
		}
	}

	if err := s.bus.PublishCampaign(ctx, pubsub.Event{
		Type:       pubsub.EventCampaignTransitioned,
		CampaignID: id,
		OldStatus:  string(from),
		NewStatus:  string(target),
		At:         c.UpdatedAt,
	}); err != nil {
		s.log.Warn("Failed to publish campaign transition", zap.String("campaign_id", id), zap.Error(err))
	}

	s.log.Info("Campaign transitioned",
		zap.String("campaign_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	return from, target, nil
}

// CloseIfEnded closes an ACTIVE or PAUSED campaign whose end date has passed.
// Before the end date it returns jobs.ErrNotEnded so the job is retried.
func (s *CampaignService) CloseIfEnded(ctx context.Context, id string) (bool, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return false, jobs.ErrCampaignGone
	}
	if err != nil {
		return false, err
	}
	if c.Status != model.CampaignActive && c.Status != model.CampaignPaused {
		return false, nil
	}
	if c.EndDate == nil {
		return false, nil
	}
	if !s.sm.Now().After(*c.EndDate) {
		return false, fmt.Errorf("%w: campaign %s ends at %s", jobs.ErrNotEnded, id, c.EndDate.Format(time.RFC3339))
	}

	_, _, err = s.Transition(ctx, id, model.CampaignClosed)
	if errors.Is(err, ErrInvalidTransition) {
		// closed by someone else in the meantime
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
