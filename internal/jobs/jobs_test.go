package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCloser struct {
	calls  []string
	closed bool
	err    error
}

func (f *fakeCloser) CloseIfEnded(_ context.Context, campaignID string) (bool, error) {
	f.calls = append(f.calls, campaignID)
	return f.closed, f.err
}

func TestNewCampaignCloseTask(t *testing.T) {
	at := time.Date(2026, 6, 30, 23, 59, 0, 0, time.UTC)
	task, opts, err := NewCampaignCloseTask("camp-1", at)
	require.NoError(t, err)

	assert.Equal(t, TypeCampaignClose, task.Type())
	var p campaignClosePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "camp-1", p.CampaignID)

	var taskID string
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			taskID = o.Value().(string)
		}
	}
	assert.Equal(t, "campaign-close:camp-1", taskID)
}

func TestHandleCampaignClose(t *testing.T) {
	ctx := context.Background()
	task, _, err := NewCampaignCloseTask("camp-1", time.Now())
	require.NoError(t, err)

	t.Run("closes through the closer", func(t *testing.T) {
		closer := &fakeCloser{closed: true}
		js := &JobServer{closer: closer, log: zap.NewNop()}
		require.NoError(t, js.handleCampaignClose(ctx, task))
		assert.Equal(t, []string{"camp-1"}, closer.calls)
	})

	t.Run("missing campaign is dropped", func(t *testing.T) {
		closer := &fakeCloser{err: ErrCampaignGone}
		js := &JobServer{closer: closer, log: zap.NewNop()}
		assert.NoError(t, js.handleCampaignClose(ctx, task))
	})

	t.Run("store failure is retried", func(t *testing.T) {
		closer := &fakeCloser{err: errors.New("db down")}
		js := &JobServer{closer: closer, log: zap.NewNop()}
		err := js.handleCampaignClose(ctx, task)
		require.Error(t, err)
		assert.False(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("early run is retried", func(t *testing.T) {
		closer := &fakeCloser{err: fmt.Errorf("%w: ends at noon", ErrNotEnded)}
		js := &JobServer{closer: closer, log: zap.NewNop()}
		err := js.handleCampaignClose(ctx, task)
		require.ErrorIs(t, err, ErrNotEnded)
		assert.False(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("bad payload is not retried", func(t *testing.T) {
		closer := &fakeCloser{}
		js := &JobServer{closer: closer, log: zap.NewNop()}
		err := js.handleCampaignClose(ctx, asynq.NewTask(TypeCampaignClose, []byte("nope")))
		assert.ErrorIs(t, err, asynq.SkipRetry)
		assert.Empty(t, closer.calls)
	})
}
