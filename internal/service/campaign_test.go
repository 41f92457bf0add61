package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"applybox/internal/campaign"
	"applybox/internal/jobs"
	"applybox/internal/memstore"
	"applybox/internal/model"
	"applybox/internal/pubsub"
	"applybox/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scheduledClose struct {
	campaignID string
	at         time.Time
}

type fakeJobClient struct {
	scheduled []scheduledClose
	err       error
}

func (f *fakeJobClient) ScheduleCampaignClose(_ context.Context, campaignID string, at time.Time) error {
	f.scheduled = append(f.scheduled, scheduledClose{campaignID, at})
	return f.err
}

type conflictingRepo struct {
	*memstore.Store
}

func (r conflictingRepo) UpdateCampaignStatus(ctx context.Context, id string, from, to model.CampaignStatus, at time.Time) error {
	// another admin got there first
	_ = r.Store.UpdateCampaignStatus(ctx, id, from, model.CampaignClosed, at)
	return r.Store.UpdateCampaignStatus(ctx, id, from, to, at)
}

func newCampaignService(repo CampaignRepository, bus EventBus, now time.Time) *CampaignService {
	sm := campaign.NewStateMachine().WithClock(func() time.Time { return now })
	return NewCampaignService(repo, sm, schema.NewCompilerWithCache(8), bus, zap.NewNop())
}

func TestCampaignService_Transition(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	store := memstore.New()
	bus := &fakeBus{}
	jobClient := &fakeJobClient{}
	svc := newCampaignService(store, bus, now)
	svc.SetJobClient(jobClient)

	end := now.Add(30 * 24 * time.Hour)
	c := testCampaign("c1")
	c.Status = model.CampaignDraft
	c.EndDate = &end
	store.PutCampaign(c)

	from, to, err := svc.Transition(ctx, "c1", model.CampaignActive)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDraft, from)
	assert.Equal(t, model.CampaignActive, to)

	stored, err := store.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignActive, stored.Status)
	assert.Equal(t, now, stored.UpdatedAt)
	assert.Equal(t, c.FormSchema, stored.FormSchema)

	require.Len(t, jobClient.scheduled, 1)
	assert.Equal(t, scheduledClose{"c1", end}, jobClient.scheduled[0])

	require.Len(t, bus.events, 1)
	assert.Equal(t, pubsub.EventCampaignTransitioned, bus.events[0].Type)
	assert.Equal(t, "DRAFT", bus.events[0].OldStatus)
	assert.Equal(t, "ACTIVE", bus.events[0].NewStatus)

	_, _, err = svc.Transition(ctx, "c1", model.CampaignDraft)
	e := requireCode(t, err, CodeInvalidTransition)
	assert.Equal(t, model.CampaignActive, e.Status)
	assert.True(t, errors.Is(err, campaign.ErrInvalidTransition))

	_, _, err = svc.Transition(ctx, "c1", model.CampaignStatus("ARCHIVED"))
	requireCode(t, err, CodeInvalidInput)

	_, _, err = svc.Transition(ctx, "nope", model.CampaignPaused)
	requireCode(t, err, CodeCampaignNotFound)
}

func TestCampaignService_TransitionLosesRace(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := newCampaignService(conflictingRepo{store}, &fakeBus{}, time.Now())
	store.PutCampaign(testCampaign("c1"))

	_, _, err := svc.Transition(ctx, "c1", model.CampaignPaused)
	requireCode(t, err, CodeInvalidTransition)

	stored, err := store.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignClosed, stored.Status)
}

func TestCampaignService_ClosedIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := newCampaignService(store, &fakeBus{}, time.Now())
	c := testCampaign("c1")
	c.Status = model.CampaignClosed
	store.PutCampaign(c)

	for _, target := range []model.CampaignStatus{model.CampaignDraft, model.CampaignActive, model.CampaignPaused, model.CampaignClosed} {
		_, _, err := svc.Transition(ctx, "c1", target)
		requireCode(t, err, CodeInvalidTransition)
	}
}

func TestCampaignService_CloseIfEnded(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	store := memstore.New()
	svc := newCampaignService(store, &fakeBus{}, now)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	ended := testCampaign("ended")
	ended.Status = model.CampaignPaused
	ended.EndDate = &past
	running := testCampaign("running")
	running.EndDate = &future
	draft := testCampaign("draft")
	draft.Status = model.CampaignDraft
	draft.EndDate = &past
	store.PutCampaign(ended)
	store.PutCampaign(running)
	store.PutCampaign(draft)

	closed, err := svc.CloseIfEnded(ctx, "ended")
	require.NoError(t, err)
	assert.True(t, closed)
	got, _ := store.GetCampaign(ctx, "ended")
	assert.Equal(t, model.CampaignClosed, got.Status)

	closed, err = svc.CloseIfEnded(ctx, "ended")
	require.NoError(t, err)
	assert.False(t, closed)

	closed, err = svc.CloseIfEnded(ctx, "running")
	assert.ErrorIs(t, err, jobs.ErrNotEnded)
	assert.False(t, closed)
	got, _ = store.GetCampaign(ctx, "running")
	assert.Equal(t, model.CampaignActive, got.Status)

	closed, err = svc.CloseIfEnded(ctx, "draft")
	require.NoError(t, err)
	assert.False(t, closed)

	_, err = svc.CloseIfEnded(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrCampaignGone)
}

func TestCampaignService_Create(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := newCampaignService(store, &fakeBus{}, time.Now())

	base := testCampaign("x")
	valid := CreateCampaignInput{
		Code:         "CARD-2026",
		Slug:         "card-2026",
		Title:        "Partner Card",
		FormSchema:   base.FormSchema,
		EmailRules:   base.EmailRules,
		DefaultEmail: base.DefaultEmail,
	}

	c, err := svc.Create(ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDraft, c.Status)
	assert.NotEmpty(t, c.ID)
	assert.False(t, c.CreatedAt.IsZero())

	_, err = svc.Create(ctx, valid)
	requireCode(t, err, CodeInvalidInput)

	zero := 0
	start := time.Now().Add(48 * time.Hour)
	end := time.Now()
	tests := []struct {
		name   string
		mutate func(in *CreateCampaignInput)
	}{
		{"missing title", func(in *CreateCampaignInput) { in.Title = " " }},
		{"zero quota", func(in *CreateCampaignInput) { in.MaxQuota = &zero }},
		{"start after end", func(in *CreateCampaignInput) { in.StartDate, in.EndDate = &start, &end }},
		{"empty schema", func(in *CreateCampaignInput) { in.FormSchema = nil }},
		{"duplicate field", func(in *CreateCampaignInput) {
			in.FormSchema = append([]model.FieldDefinition{}, base.FormSchema...)
			in.FormSchema = append(in.FormSchema, base.FormSchema[0])
		}},
		{"broken template", func(in *CreateCampaignInput) {
			in.DefaultEmail = model.EmailTemplate{Subject: "Hi {{.name", Body: "<p>x</p>"}
		}},
		{"rule without field", func(in *CreateCampaignInput) {
			in.EmailRules = []model.EmailRule{{ConditionValue: "x", Template: base.DefaultEmail}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			in.Code, in.Slug = "other-"+tt.name, "other-"+tt.name
			tt.mutate(&in)
			_, err := svc.Create(ctx, in)
			requireCode(t, err, CodeInvalidInput)
		})
	}
}
