package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const TypeCampaignClose = "campaign:close"

// CampaignCloser closes a campaign whose end date has passed. It reports
// whether the campaign was closed by this call.
type CampaignCloser interface {
	CloseIfEnded(ctx context.Context, campaignID string) (bool, error)
}

var (
	// ErrCampaignGone marks a close job for a campaign that no longer exists
	ErrCampaignGone = errors.New("campaign no longer exists")
	// ErrNotEnded marks a close job that ran before the campaign's end date
	ErrNotEnded = errors.New("campaign end date not reached")
)

type campaignClosePayload struct {
	CampaignID string `json:"campaignId"`
}

type JobServer struct {
	server *asynq.Server
	client *asynq.Client
	closer CampaignCloser
	log    *zap.Logger
}

func NewJobServer(redisAddr string, closer CampaignCloser, log *zap.Logger) (*JobServer, *asynq.Client) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	client := asynq.NewClient(redisOpt)

	return &JobServer{
		server: server,
		client: client,
		closer: closer,
		log:    log,
	}, client
}

func (js *JobServer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeCampaignClose, js.handleCampaignClose)
	return js.server.Start(mux)
}

func (js *JobServer) Stop() {
	js.server.Shutdown()
	js.client.Close()
}

func (js *JobServer) handleCampaignClose(ctx context.Context, t *asynq.Task) error {
	var p campaignClosePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.CampaignID == "" {
		return fmt.Errorf("invalid campaign close payload: %w", asynq.SkipRetry)
	}

	closed, err := js.closer.CloseIfEnded(ctx, p.CampaignID)
	if errors.Is(err, ErrCampaignGone) {
		js.log.Warn("Campaign close job for missing campaign", zap.String("campaign_id", p.CampaignID))
		return nil
	}
	if errors.Is(err, ErrNotEnded) {
		js.log.Info("Campaign close job ran early, retrying", zap.String("campaign_id", p.CampaignID), zap.Error(err))
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to close campaign %s: %w", p.CampaignID, err)
	}

	if closed {
		js.log.Info("Campaign closed at end date", zap.String("campaign_id", p.CampaignID))
	}
	return nil
}

// NewCampaignCloseTask builds the close task and its scheduling options. The
// task id is stable per campaign so re-activating a campaign does not queue a
// second close.
func NewCampaignCloseTask(campaignID string, at time.Time) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(campaignClosePayload{CampaignID: campaignID})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.ProcessAt(at),
		asynq.TaskID("campaign-close:" + campaignID),
		asynq.Queue("default"),
		asynq.MaxRetry(10),
	}
	return asynq.NewTask(TypeCampaignClose, payload), opts, nil
}

// ScheduleCampaignClose enqueues the close job for the campaign's end date.
// An already queued job for the campaign is not an error.
func ScheduleCampaignClose(ctx context.Context, client *asynq.Client, campaignID string, at time.Time) error {
	task, opts, err := NewCampaignCloseTask(campaignID, at)
	if err != nil {
		return err
	}
	_, err = client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}
