package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"applybox/internal/auth"
	"applybox/internal/campaign"
	"applybox/internal/memstore"
	"applybox/internal/metrics"
	"applybox/internal/model"
	"applybox/internal/notify"
	"applybox/internal/pubsub"
	"applybox/internal/ratelimit"
	"applybox/internal/schema"
	"applybox/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	adminSecret = "admin-secret-for-tests-0123456789"
	member      = "12345678901"
)

type testServer struct {
	handler http.Handler
	store   *memstore.Store
	admin   *auth.AdminAuth
	mr      *miniredis.Miniredis
}

func newTestServer(t *testing.T, verifyLimit int) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	store := memstore.New()
	bus := pubsub.New(rdb, log)
	m := metrics.New()
	compiler := schema.NewCompilerWithCache(8)
	campaigns := service.NewCampaignService(store, campaign.NewStateMachine(), compiler, bus, log)
	limiter := ratelimit.NewRedisLimiter(rdb, ratelimit.Policy{Limit: 10, Window: time.Hour}, map[string]ratelimit.Policy{
		ratelimit.ActionVerify: {Limit: verifyLimit, Window: time.Hour},
	})
	submissions := service.NewSubmissionService(service.SubmissionDeps{
		Campaigns:  campaigns,
		Members:    store,
		Apps:       store,
		Limiter:    limiter,
		Tokens:     auth.NewSessionTokens("session-secret-for-tests-0123456789", 15*time.Minute),
		SchemaComp: compiler,
		Dispatcher: notify.NewLogDispatcher(log),
		Bus:        bus,
		Metrics:    m,
		Log:        log,
	})
	admin := auth.NewAdminAuth(adminSecret)

	r := chi.NewRouter()
	r.Mount("/v1", Routes(Dependencies{
		Campaigns:   campaigns,
		Submissions: submissions,
		Admin:       admin,
		IPLimiter:   ratelimit.NewIPLimiter(100, 100),
		Metrics:     m,
		Log:         log,
	}))

	store.AddMember(member, model.MemberActive)
	store.AddMember("98765432109", model.MemberDebtor)
	return &testServer{handler: r, store: store, admin: admin, mr: mr}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) adminHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := s.admin.IssueAdminToken("ops@example.org", time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func createActiveCampaign(t *testing.T, s *testServer) string {
	t.Helper()
	headers := s.adminHeaders(t)
	rec := s.do(t, http.MethodPost, "/v1/admin/campaigns", map[string]interface{}{
		"code":  "CARD",
		"slug":  "card",
		"title": "Partner Card",
		"formSchema": []map[string]interface{}{
			{"name": "tckn", "label": "Identity", "type": "text", "required": true},
			{"name": "email", "label": "Email", "type": "email", "required": true},
			{"name": "phone", "label": "Phone", "type": "tel", "required": true},
		},
		"defaultEmail": map[string]string{"subject": "Thanks", "body": "<p>Received {{.phone}}</p>"},
	}, headers)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created model.Campaign
	decodeBody(t, rec, &created)
	assert.Equal(t, model.CampaignDraft, created.Status)

	rec = s.do(t, http.MethodPost, "/v1/admin/campaigns/"+created.ID+"/transition",
		map[string]string{"targetStatus": "ACTIVE"}, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tr TransitionResponse
	decodeBody(t, rec, &tr)
	assert.Equal(t, TransitionResponse{OldStatus: model.CampaignDraft, NewStatus: model.CampaignActive}, tr)
	return created.ID
}

func TestAPI_VerifyAndSubmit(t *testing.T) {
	s := newTestServer(t, 5)
	campaignID := createActiveCampaign(t, s)

	rec := s.do(t, http.MethodPost, "/v1/verify", VerifyRequest{Identity: member, CampaignID: campaignID}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v service.Verification
	decodeBody(t, rec, &v)
	assert.NotEmpty(t, v.Token)
	assert.Equal(t, campaignID, v.CampaignID)

	form := map[string]interface{}{"tckn": member, "email": "a@b.com", "phone": "5551234567"}
	rec = s.do(t, http.MethodPost, "/v1/submit", map[string]interface{}{
		"token": v.Token, "campaignId": campaignID, "formData": form,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sub service.Submission
	decodeBody(t, rec, &sub)
	assert.NotEmpty(t, sub.ApplicationID)

	app, err := s.store.GetApplication(t.Context(), sub.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", app.ClientIP)

	rec = s.do(t, http.MethodPost, "/v1/submit", map[string]interface{}{
		"token": v.Token, "campaignId": campaignID, "formData": form,
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "DUPLICATE_APPLICATION", errResp.Code)

	rec = s.do(t, http.MethodPost, "/v1/verify", VerifyRequest{Identity: member, CampaignID: campaignID}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "ALREADY_APPLIED", errResp.Code)
}

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t, 5)
	campaignID := createActiveCampaign(t, s)

	rec := s.do(t, http.MethodPost, "/v1/verify", VerifyRequest{Identity: "98765432109", CampaignID: campaignID}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "BLOCKED", errResp.Code)

	rec = s.do(t, http.MethodPost, "/v1/verify", VerifyRequest{Identity: "12"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/verify", VerifyRequest{Identity: member, CampaignID: "missing"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	v := s.do(t, http.MethodPost, "/v1/verify", VerifyRequest{Identity: member, CampaignID: campaignID}, nil)
	require.Equal(t, http.StatusOK, v.Code)
	var ver service.Verification
	decodeBody(t, v, &ver)

	rec = s.do(t, http.MethodPost, "/v1/submit", map[string]interface{}{
		"token": ver.Token, "campaignId": campaignID,
		"formData": map[string]interface{}{"tckn": "123", "email": "nope", "phone": "555"},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errResp = ErrorResponse{}
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "VALIDATION_FAILED", errResp.Code)
	assert.Len(t, errResp.FieldErrors, 3)

	rec = s.do(t, http.MethodPost, "/v1/submit", map[string]interface{}{
		"token": "garbage", "campaignId": campaignID, "formData": map[string]interface{}{},
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/verify", bytes.NewBufferString("{not json"))
	bad := httptest.NewRecorder()
	s.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestAPI_VerifyRateLimited(t *testing.T) {
	s := newTestServer(t, 2)
	campaignID := createActiveCampaign(t, s)

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/v1/verify", VerifyRequest{Identity: "55555555555", CampaignID: campaignID}, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}

	rec := s.do(t, http.MethodPost, "/v1/verify", VerifyRequest{Identity: "55555555555", CampaignID: campaignID}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "RATE_LIMITED", errResp.Code)
	assert.Equal(t, ratelimit.ThrottledMessage, errResp.Message)
}

func TestAPI_PublicCampaignView(t *testing.T) {
	s := newTestServer(t, 5)
	campaignID := createActiveCampaign(t, s)

	rec := s.do(t, http.MethodGet, "/v1/campaigns/"+campaignID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "defaultEmail")

	var view PublicCampaign
	decodeBody(t, rec, &view)
	assert.Equal(t, "Partner Card", view.Title)
	assert.True(t, view.Accepting)
	assert.Len(t, view.FormSchema, 3)

	rec = s.do(t, http.MethodGet, "/v1/campaigns/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_AdminRoutes(t *testing.T) {
	s := newTestServer(t, 5)
	campaignID := createActiveCampaign(t, s)

	rec := s.do(t, http.MethodPost, "/v1/admin/campaigns/"+campaignID+"/transition",
		map[string]string{"targetStatus": "CLOSED"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	headers := s.adminHeaders(t)
	rec = s.do(t, http.MethodPost, "/v1/admin/campaigns/"+campaignID+"/transition",
		map[string]string{"targetStatus": "CLOSED"}, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/admin/campaigns/"+campaignID+"/transition",
		map[string]string{"targetStatus": "ACTIVE"}, headers)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "INVALID_TRANSITION", errResp.Code)
	assert.Equal(t, model.CampaignClosed, errResp.Status)

	rec = s.do(t, http.MethodGet, "/v1/admin/campaigns/"+campaignID, nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "defaultEmail")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(service.CodeNotificationFailed))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(service.CodeUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(service.Code("SOMETHING_ELSE")))
}
