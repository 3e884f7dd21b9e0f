package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/vpnportal/ledger/pkg/ledgerclient"
)

const jobTimeout = 2 * time.Minute

// LedgerClient triggers maintenance on the ledger service.
type LedgerClient interface {
	ExpirePayments(ctx context.Context) (*ledgerclient.MaintenanceResult, error)
	ExpireSubscriptions(ctx context.Context) (*ledgerclient.MaintenanceResult, error)
	AutoApproveCommissions(ctx context.Context) (*ledgerclient.MaintenanceResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	client LedgerClient
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(client LedgerClient, logger *slog.Logger) *Jobs {
	return &Jobs{client: client, logger: logger}
}

// ExpirePayments moves stale pending payments to expired.
func (j *Jobs) ExpirePayments() {
	j.run("expire_payments", j.client.ExpirePayments)
}

// ExpireSubscriptions deactivates lapsed subscriptions.
func (j *Jobs) ExpireSubscriptions() {
	j.run("expire_subscriptions", j.client.ExpireSubscriptions)
}

// AutoApproveCommissions approves commissions whose hold period has passed.
func (j *Jobs) AutoApproveCommissions() {
	j.run("auto_approve_commissions", j.client.AutoApproveCommissions)
}

func (j *Jobs) run(name string, call func(ctx context.Context) (*ledgerclient.MaintenanceResult, error)) {
	j.logger.Info("starting job", "job", name)
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result, err := call(ctx)
	if err != nil {
		j.logger.Error("job failed", "job", name, "error", err)
		return
	}
	if result.Disabled {
		j.logger.Info("job disabled on ledger", "job", name)
		return
	}
	j.logger.Info("job finished", "job", name, "processed", result.Processed)
}
