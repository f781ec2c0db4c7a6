package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
)

var errServiceNotActive = errors.New("deploy: service not active yet")

// ActivationError marks activation as the failing phase. A running daemon
// without a registered model is not a successful deployment, so every
// step here is fatal for the run.
type ActivationError struct {
	Step string
	Err  error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("deploy: activation step %q failed: %v", e.Step, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// Activate applies the service configuration as one unit (override write,
// daemon reload, restart), waits for the daemon to come up, then issues
// the single registration call.
func (d *Deployer) Activate(ctx context.Context) error {
	override := renderUnitOverride(d.cfg.Service.Overrides)
	if err := d.writeDocuments(override); err != nil {
		return &ActivationError{Step: "write-documents", Err: err}
	}

	if err := d.client.WriteUnitOverride(override); err != nil {
		return &ActivationError{Step: "write-override", Err: err}
	}
	if err := d.client.WriteRemoteFile(d.cfg.Model.Modelfile, renderModelfile(d.cfg.Model)); err != nil {
		return &ActivationError{Step: "write-modelfile", Err: err}
	}
	if err := d.client.DaemonReload(); err != nil {
		return &ActivationError{Step: "daemon-reload", Err: err}
	}
	if err := d.client.RestartService(); err != nil {
		return &ActivationError{Step: "restart", Err: err}
	}

	if err := d.awaitReady(ctx); err != nil {
		return &ActivationError{Step: "readiness", Err: err}
	}

	if err := d.client.RegisterModel(d.cfg.Model.Name, d.cfg.Model.Modelfile); err != nil {
		return &ActivationError{Step: "register", Err: err}
	}

	if err := d.recordRegistration(); err != nil {
		d.log.Warn().Err(err).Msg("registration descriptor write failed")
	}
	return nil
}

// awaitReady polls the service manager with bounded backoff. The grace
// interval is the backoff's minimum delay, so the daemon always gets at
// least that pause between restart-time probes.
func (d *Deployer) awaitReady(ctx context.Context) error {
	grace := d.cfg.Service.GraceInterval()
	budget := d.cfg.Service.ReadinessBudget()
	if grace <= 0 {
		grace = time.Second
	}
	if budget < grace {
		budget = grace
	}

	d.log.Info().
		Dur("grace", grace).
		Dur("budget", budget).
		Msg("waiting for service readiness")

	return waitForActive(ctx, d.client.ServiceActive, grace, budget)
}

// waitForActive retries the probe with backoff starting at grace. The
// budget is a hard wall-clock limit: the deadline cuts the wait off even
// when backoff delays would stretch the attempts beyond it.
func waitForActive(ctx context.Context, probe func() (bool, error), grace, budget time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	attempts := uint(budget / grace)
	if attempts < 1 {
		attempts = 1
	}

	return retry.Do(
		func() error {
			active, err := probe()
			if err != nil {
				return err
			}
			if !active {
				return errServiceNotActive
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(grace),
		retry.MaxDelay(budget),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
