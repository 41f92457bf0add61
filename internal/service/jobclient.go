package service

import (
	"context"
	"time"

	"applybox/internal/jobs"

	"github.com/hibiken/asynq"
)

// JobClient interface for scheduling background jobs
type JobClient interface {
	ScheduleCampaignClose(ctx context.Context, campaignID string, at time.Time) error
}

// AsynqJobClient implements JobClient using asynq
type AsynqJobClient struct {
	client *asynq.Client
}

func NewAsynqJobClient(client *asynq.Client) *AsynqJobClient {
	return &AsynqJobClient{client: client}
}

func (c *AsynqJobClient) ScheduleCampaignClose(ctx context.Context, campaignID string, at time.Time) error {
	return jobs.ScheduleCampaignClose(ctx, c.client, campaignID, at)
}
