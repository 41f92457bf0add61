package api

import (
	"net/http"

	"applybox/internal/ratelimit"
	"applybox/internal/service"
)

type VerifyRequest struct {
	Identity   string `json:"identity"`
	CampaignID string `json:"campaignId,omitempty"`
}

type SubmitRequest struct {
	Token      string                 `json:"token"`
	CampaignID string                 `json:"campaignId"`
	FormData   map[string]interface{} `json:"formData"`
}

func (d Dependencies) verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, string(service.CodeInvalidInput), "Invalid request body", d.Log)
		return
	}

	result, err := d.Submissions.StartVerification(r.Context(), req.Identity, req.CampaignID)
	if err != nil {
		WriteServiceError(w, err, d.Log)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (d Dependencies) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, string(service.CodeInvalidInput), "Invalid request body", d.Log)
		return
	}
	if req.FormData == nil {
		req.FormData = map[string]interface{}{}
	}

	result, err := d.Submissions.Submit(r.Context(), service.SubmitInput{
		Token:      req.Token,
		CampaignID: req.CampaignID,
		FormData:   req.FormData,
		ClientIP:   ratelimit.ClientIP(r),
	})
	if err != nil {
		WriteServiceError(w, err, d.Log)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}
