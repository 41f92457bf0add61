// Package memstore is an in-memory implementation of the campaign,
// membership and application collaborators with the same atomicity
// guarantees as the Postgres store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"applybox/internal/db"
	"applybox/internal/model"
)

type appKey struct {
	campaignID string
	identity   string
}

// Store keeps everything behind one mutex
type Store struct {
	mu           sync.Mutex
	campaigns    map[string]*model.Campaign
	members      map[string]model.MembershipStatus
	applications map[string]*model.Application
	byIdentity   map[appKey]string
	now          func() time.Time

	// Fail, when set, is returned by every call.
	Fail error
}

func New() *Store {
	return &Store{
		campaigns:    make(map[string]*model.Campaign),
		members:      make(map[string]model.MembershipStatus),
		applications: make(map[string]*model.Application),
		byIdentity:   make(map[appKey]string),
		now:          time.Now,
	}
}

// SetClock replaces the store's time source
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddMember sets the membership status of identity
func (s *Store) AddMember(identity string, status model.MembershipStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[identity] = status
}

// PutCampaign stores a copy of c as is, without touching timestamps
func (s *Store) PutCampaign(c model.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = &c
}

func (s *Store) countLocked(campaignID string) int {
	n := 0
	for k := range s.byIdentity {
		if k.campaignID == campaignID {
			n++
		}
	}
	return n
}

func (s *Store) campaignCopyLocked(c *model.Campaign) *model.Campaign {
	out := *c
	out.ApplicationCount = s.countLocked(c.ID)
	return &out
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return s.campaignCopyLocked(c), nil
}

func (s *Store) ListActiveCampaigns(ctx context.Context) ([]*model.Campaign, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Campaign
	for _, c := range s.campaigns {
		if c.Status == model.CampaignActive {
			out = append(out, s.campaignCopyLocked(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.campaigns {
		if existing.ID == c.ID || existing.Code == c.Code || existing.Slug == c.Slug {
			return db.ErrCampaignExists
		}
	}
	now := s.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	stored := *c
	s.campaigns[c.ID] = &stored
	return nil
}

func (s *Store) UpdateCampaignStatus(ctx context.Context, id string, from, to model.CampaignStatus, at time.Time) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return db.ErrNotFound
	}
	if c.Status != from {
		return db.ErrStatusConflict
	}
	c.Status = to
	c.UpdatedAt = at
	return nil
}

func (s *Store) LookupMember(ctx context.Context, identity string) (model.MembershipStatus, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.members[identity]
	if !ok {
		return model.MemberNotFound, nil
	}
	return status, nil
}

func (s *Store) ApplicationExists(ctx context.Context, campaignID, identity string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byIdentity[appKey{campaignID, identity}]
	return ok, nil
}

// InsertApplicationIfAbsent checks status, uniqueness and quota and inserts
// in one critical section.
func (s *Store) InsertApplicationIfAbsent(ctx context.Context, app model.NewApplication) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[app.CampaignID]
	if !ok {
		return "", db.ErrNotFound
	}
	now := s.now()
	if c.Status != model.CampaignActive || (c.EndDate != nil && now.After(*c.EndDate)) {
		return "", db.ErrCampaignClosed
	}
	key := appKey{app.CampaignID, app.Identity}
	if _, exists := s.byIdentity[key]; exists {
		return "", db.ErrDuplicateApplication
	}
	if c.MaxQuota != nil && s.countLocked(c.ID) >= *c.MaxQuota {
		return "", db.ErrQuotaExceeded
	}

	formData := make(map[string]interface{}, len(app.FormData))
	for k, v := range app.FormData {
		formData[k] = v
	}
	s.applications[app.ID] = &model.Application{
		ID:         app.ID,
		CampaignID: app.CampaignID,
		Identity:   app.Identity,
		FormData:   formData,
		ClientIP:   app.ClientIP,
		Status:     model.ApplicationPending,
		CreatedAt:  now.UTC(),
	}
	s.byIdentity[key] = app.ID
	return app.ID, nil
}

func (s *Store) GetApplication(ctx context.Context, id string) (*model.Application, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.applications[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	out := *a
	return &out, nil
}

// CountApplications returns the number of stored applications of a campaign
func (s *Store) CountApplications(campaignID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(campaignID)
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Fail
}
