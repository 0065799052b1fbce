package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestRetentionManager_CleanupRunsEveryTask(t *testing.T) {
	var calls []string
	rm := NewRetentionManager(time.Hour, zaptest.NewLogger(t).Sugar(),
		RetentionTask{Name: "broken", Prune: func(ctx context.Context) (int64, error) {
			calls = append(calls, "broken")
			return 0, errors.New("database is locked")
		}},
		RetentionTask{Name: "sessions", Prune: func(ctx context.Context) (int64, error) {
			calls = append(calls, "sessions")
			return 3, nil
		}},
	)

	rm.Cleanup(context.Background())
	assert.Equal(t, []string{"broken", "sessions"}, calls)
}

func TestRetentionManager_RunsOnInterval(t *testing.T) {
	var runs atomic.Int64
	rm := NewRetentionManager(10*time.Millisecond, zap.NewNop().Sugar(),
		RetentionTask{Name: "count", Prune: func(ctx context.Context) (int64, error) {
			runs.Add(1)
			return 0, nil
		}},
	)

	rm.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, rm.Stop())
	assert.NoError(t, rm.Stop())

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestRetentionManager_StopWithoutStart(t *testing.T) {
	rm := NewRetentionManager(0, zap.NewNop().Sugar())
	assert.Equal(t, 24*time.Hour, rm.checkInterval)
	assert.NoError(t, rm.Stop())
}
