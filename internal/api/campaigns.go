package api

import (
	"net/http"
	"time"

	"applybox/internal/auth"
	"applybox/internal/model"
	"applybox/internal/service"

	"github.com/go-chi/chi/v5"
)

// PublicCampaign is what applicants may see of a campaign
type PublicCampaign struct {
	ID         string                  `json:"id"`
	Code       string                  `json:"code"`
	Slug       string                  `json:"slug"`
	Title      string                  `json:"title"`
	Status     model.CampaignStatus    `json:"status"`
	StartDate  *time.Time              `json:"startDate,omitempty"`
	EndDate    *time.Time              `json:"endDate,omitempty"`
	FormSchema []model.FieldDefinition `json:"formSchema"`
	Accepting  bool                    `json:"accepting"`
}

type TransitionRequest struct {
	TargetStatus model.CampaignStatus `json:"targetStatus"`
}

type TransitionResponse struct {
	OldStatus model.CampaignStatus `json:"oldStatus"`
	NewStatus model.CampaignStatus `json:"newStatus"`
}

func (d Dependencies) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := d.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteServiceError(w, err, d.Log)
		return
	}

	writeJSON(w, http.StatusOK, PublicCampaign{
		ID:         c.ID,
		Code:       c.Code,
		Slug:       c.Slug,
		Title:      c.Title,
		Status:     c.Status,
		StartDate:  c.StartDate,
		EndDate:    c.EndDate,
		FormSchema: c.FormSchema,
		Accepting:  d.Campaigns.StateMachine().CanAcceptSubmissions(c),
	})
}

func (d Dependencies) getCampaignAdmin(w http.ResponseWriter, r *http.Request) {
	c, err := d.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (d Dependencies) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req service.CreateCampaignInput
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, string(service.CodeInvalidInput), "Invalid request body", d.Log)
		return
	}
	req.CreatedBy = auth.AdminSubject(r.Context())

	c, err := d.Campaigns.Create(r.Context(), req)
	if err != nil {
		WriteServiceError(w, err, d.Log)
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

func (d Dependencies) transitionCampaign(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, string(service.CodeInvalidInput), "Invalid request body", d.Log)
		return
	}

	from, to, err := d.Campaigns.Transition(r.Context(), chi.URLParam(r, "id"), req.TargetStatus)
	if err != nil {
		WriteServiceError(w, err, d.Log)
		return
	}

	writeJSON(w, http.StatusOK, TransitionResponse{OldStatus: from, NewStatus: to})
}
