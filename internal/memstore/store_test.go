package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"applybox/internal/db"
	"applybox/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(id, identity string) model.NewApplication {
	return model.NewApplication{
		ID:         id,
		CampaignID: "camp-1",
		Identity:   identity,
		FormData:   map[string]interface{}{"tckn": identity},
		ClientIP:   "10.0.0.1",
	}
}

func TestStore_InsertApplicationIfAbsent(t *testing.T) {
	ctx := context.Background()
	quota := 2
	s := New()
	s.PutCampaign(model.Campaign{ID: "camp-1", Status: model.CampaignActive, MaxQuota: &quota})

	id, err := s.InsertApplicationIfAbsent(ctx, newApp("a1", "12345678901"))
	require.NoError(t, err)
	assert.Equal(t, "a1", id)

	_, err = s.InsertApplicationIfAbsent(ctx, newApp("a2", "12345678901"))
	assert.ErrorIs(t, err, db.ErrDuplicateApplication)

	_, err = s.InsertApplicationIfAbsent(ctx, newApp("a3", "12345678902"))
	require.NoError(t, err)

	_, err = s.InsertApplicationIfAbsent(ctx, newApp("a4", "12345678903"))
	assert.ErrorIs(t, err, db.ErrQuotaExceeded)

	assert.Equal(t, 2, s.CountApplications("camp-1"))

	exists, err := s.ApplicationExists(ctx, "camp-1", "12345678901")
	require.NoError(t, err)
	assert.True(t, exists)

	app, err := s.GetApplication(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationPending, app.Status)
	assert.Equal(t, "10.0.0.1", app.ClientIP)

	c, err := s.GetCampaign(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.ApplicationCount)
}

func TestStore_InsertIntoClosedCampaign(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ended := now.Add(-time.Minute)

	s := New()
	s.SetClock(func() time.Time { return now })
	s.PutCampaign(model.Campaign{ID: "camp-1", Status: model.CampaignPaused})
	s.PutCampaign(model.Campaign{ID: "camp-2", Status: model.CampaignActive, EndDate: &ended})

	_, err := s.InsertApplicationIfAbsent(ctx, newApp("a1", "12345678901"))
	assert.ErrorIs(t, err, db.ErrCampaignClosed)

	app := newApp("a2", "12345678901")
	app.CampaignID = "camp-2"
	_, err = s.InsertApplicationIfAbsent(ctx, app)
	assert.ErrorIs(t, err, db.ErrCampaignClosed)

	app.CampaignID = "missing"
	_, err = s.InsertApplicationIfAbsent(ctx, app)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestStore_ConcurrentInsertsForOneIdentity(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutCampaign(model.Campaign{ID: "camp-1", Status: model.CampaignActive})

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.InsertApplicationIfAbsent(ctx, newApp(fmt.Sprintf("a%d", i), "12345678901"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, db.ErrDuplicateApplication)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, s.CountApplications("camp-1"))
}

func TestStore_UpdateCampaignStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutCampaign(model.Campaign{ID: "camp-1", Status: model.CampaignDraft})
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpdateCampaignStatus(ctx, "camp-1", model.CampaignDraft, model.CampaignActive, at))
	err := s.UpdateCampaignStatus(ctx, "camp-1", model.CampaignDraft, model.CampaignActive, at)
	assert.ErrorIs(t, err, db.ErrStatusConflict)
	err = s.UpdateCampaignStatus(ctx, "nope", model.CampaignDraft, model.CampaignActive, at)
	assert.ErrorIs(t, err, db.ErrNotFound)

	c, err := s.GetCampaign(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignActive, c.Status)
	assert.Equal(t, at, c.UpdatedAt)
}

func TestStore_CreateAndListCampaigns(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	require.NoError(t, s.CreateCampaign(ctx, &model.Campaign{ID: "old", Code: "A", Slug: "a", Status: model.CampaignActive}))
	require.NoError(t, s.CreateCampaign(ctx, &model.Campaign{ID: "new", Code: "B", Slug: "b", Status: model.CampaignActive}))
	require.NoError(t, s.CreateCampaign(ctx, &model.Campaign{ID: "draft", Code: "C", Slug: "c", Status: model.CampaignDraft}))

	err := s.CreateCampaign(ctx, &model.Campaign{ID: "dup", Code: "A", Slug: "z"})
	assert.ErrorIs(t, err, db.ErrCampaignExists)

	active, err := s.ListActiveCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "new", active[0].ID)
	assert.Equal(t, "old", active[1].ID)
}

func TestStore_LookupMemberAndFailure(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddMember("12345678901", model.MemberDebtor)

	status, err := s.LookupMember(ctx, "12345678901")
	require.NoError(t, err)
	assert.Equal(t, model.MemberDebtor, status)

	status, err = s.LookupMember(ctx, "99999999999")
	require.NoError(t, err)
	assert.Equal(t, model.MemberNotFound, status)

	boom := errors.New("directory down")
	s.Fail = boom
	_, err = s.LookupMember(ctx, "12345678901")
	assert.ErrorIs(t, err, boom)

	s.Fail = nil
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.LookupMember(cancelled, "12345678901")
	assert.ErrorIs(t, err, context.Canceled)
}
