package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RetentionTask deletes rows past their retention window and reports how
// many went.
type RetentionTask struct {
	Name  string
	Prune func(ctx context.Context) (int64, error)
}

// RetentionManager runs retention tasks on a fixed interval.
type RetentionManager struct {
	tasks         []RetentionTask
	checkInterval time.Duration
	logger        *zap.SugaredLogger

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewRetentionManager creates a retention manager.
func NewRetentionManager(interval time.Duration, logger *zap.SugaredLogger, tasks ...RetentionTask) *RetentionManager {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionManager{
		tasks:         tasks,
		checkInterval: interval,
		logger:        logger,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start starts the retention manager.
func (rm *RetentionManager) Start() {
	rm.started.Store(true)
	go rm.run()
}

func (rm *RetentionManager) run() {
	defer close(rm.done)
	ticker := time.NewTicker(rm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rm.Cleanup(context.Background())
		case <-rm.stopCh:
			return
		}
	}
}

// Stop stops the manager and waits for a running cleanup to finish. It is
// safe to call more than once.
func (rm *RetentionManager) Stop() error {
	rm.stopOnce.Do(func() {
		close(rm.stopCh)
		if rm.started.Load() {
			<-rm.done
		}
	})
	return nil
}

// Cleanup runs every task once.
func (rm *RetentionManager) Cleanup(ctx context.Context) {
	for _, task := range rm.tasks {
		n, err := task.Prune(ctx)
		if err != nil {
			rm.logger.Errorw("Retention cleanup failed", "task", task.Name, "error", err)
			continue
		}
		if n > 0 {
			rm.logger.Infow("Retention cleanup completed", "task", task.Name, "deleted", n)
		}
	}
}
