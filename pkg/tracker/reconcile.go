package tracker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/jobstore"
	"github.com/3leaps/godetonate/pkg/provisioner"
)

// LostInstanceMessage is recorded on live jobs whose instance disappeared
// while the control plane was down.
const LostInstanceMessage = "instance lost during control-plane restart"

// ReconcileReport counts the actions taken by Reconcile.
type ReconcileReport struct {
	// Adopted jobs were live in the store with a matching instance and are
	// tracked again under their original deadline.
	Adopted int

	// Failed jobs were live in the store with no instance.
	Failed int

	// Destroyed instances belonged to unknown or finished jobs.
	Destroyed int
}

// Reconcile aligns the store, the admission table and the provider after a
// restart:
//
//   - live stored jobs with a managed instance are re-admitted (a job caught
//     in Provisioning is moved to Running on that instance);
//   - live stored jobs with no instance are failed with LostInstanceMessage;
//   - managed instances whose job is unknown or finished are destroyed.
//
// Jobs already in the table are left alone. Overdue adopted jobs are timed
// out by the next sweep.
func (t *Tracker) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	instances, err := t.prov.ListManaged(ctx)
	if err != nil {
		return report, fmt.Errorf("list managed instances: %w", err)
	}
	byUUID := make(map[string]provisioner.Instance, len(instances))
	for _, inst := range instances {
		if inst.JobUUID != "" {
			byUUID[inst.JobUUID] = inst
		}
	}

	live, err := t.store.List(ctx, jobstore.Filter{States: jobstore.LiveStates})
	if err != nil {
		return report, fmt.Errorf("list live jobs: %w", err)
	}

	keep := make(map[provisioner.Handle]bool)
	now := t.clock.Now()
	for i := range live {
		j := &live[i]
		if e, ok := t.table.Lookup(j.JobID); ok {
			keep[provisioner.Handle(e.Snapshot().InstanceHandle)] = true
			if inst, ok := byUUID[j.JobUUID]; ok {
				keep[inst.Handle] = true
			}
			continue
		}

		inst, ok := byUUID[j.JobUUID]
		if !ok {
			from := j.State
			if _, err := j.MarkFailed(LostInstanceMessage, now); err != nil {
				continue
			}
			t.persist(j)
			t.logTransition(j, from)
			report.Failed++
			continue
		}

		if j.State != job.StateRunning {
			from := j.State
			if j.State == job.StateQueued {
				if err := j.MarkProvisioning(provisioner.InstanceName(j.JobUUID)); err != nil {
					continue
				}
			}
			if err := j.MarkRunning(string(inst.Handle), now); err != nil {
				continue
			}
			t.logTransition(j, from)
		}
		if _, err := t.table.Restore(j); err != nil {
			t.logger.Warn("Cannot adopt job", zap.String("job_id", j.JobID), zap.Error(err))
			continue
		}
		t.persist(j)
		keep[inst.Handle] = true
		report.Adopted++
		t.logger.Info("Adopted live job",
			zap.String("job_id", j.JobID),
			zap.String("instance", string(inst.Handle)),
			zap.Time("deadline", j.Deadline))
	}

	for _, inst := range instances {
		if keep[inst.Handle] {
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, destroyTimeout)
		err := t.prov.Destroy(dctx, inst.Handle)
		cancel()
		if err != nil {
			t.logger.Warn("Cannot destroy orphaned instance", zap.String("instance", string(inst.Handle)), zap.Error(err))
			continue
		}
		report.Destroyed++
		t.logger.Info("Destroyed orphaned instance",
			zap.String("instance", string(inst.Handle)),
			zap.String("job_uuid", inst.JobUUID))
	}

	t.logger.Info("Reconciliation finished",
		zap.Int("adopted", report.Adopted),
		zap.Int("failed", report.Failed),
		zap.Int("destroyed", report.Destroyed))
	return report, nil
}
