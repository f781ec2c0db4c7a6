// Package provision materializes the GPU instance against an ordered list
// of placement candidates, first success wins.
package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvistgaard/modelup/internal/placement"
)

// ComputeClient is the narrow control-plane surface the provisioner
// needs. The production implementation shells out to gcloud.
type ComputeClient interface {
	// CreateInstance creates the instance in the given zone with the
	// derived policy.
	CreateInstance(ctx context.Context, zone string, policy placement.Policy) error
	// EnsureSnapshotSchedule creates the region-scoped snapshot schedule
	// if it does not exist. An already existing schedule is success;
	// created reports whether this call made it.
	EnsureSnapshotSchedule(ctx context.Context, region string) (created bool, err error)
	// AttachOpsPolicy links the instance to the observability policy.
	// Callers treat failure as a warning, never fatal.
	AttachOpsPolicy(ctx context.Context, zone string) error
	// InstanceExists probes for the instance without side effects.
	InstanceExists(ctx context.Context, zone string) (bool, error)
}

// Instance is the handle to the one compute resource a successful run
// provisions. Teardown is external.
type Instance struct {
	Name      string
	Zone      string
	Region    string
	CreatedAt time.Time
	Policy    placement.Policy
}

// CandidateFailure records one zone's failed attempt. Non-fatal on its
// own; the loop advances to the next candidate.
type CandidateFailure struct {
	Zone string
	Err  error
}

func (f CandidateFailure) Error() string {
	return fmt.Sprintf("zone %s: %v", f.Zone, f.Err)
}

func (f CandidateFailure) Unwrap() error { return f.Err }

// ExhaustedError is returned when every candidate failed.
type ExhaustedError struct {
	Failures []CandidateFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return "provision: all candidates failed: " + strings.Join(parts, "; ")
}

type Provisioner struct {
	name   string
	client ComputeClient
	log    zerolog.Logger
}

func New(instanceName string, client ComputeClient, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		name:   instanceName,
		client: client,
		log:    log.With().Str("component", "provision").Logger(),
	}
}

// Provision walks the plan in order and returns the first successfully
// created instance. Each candidate first ensures its region's snapshot
// schedule, then attempts the create. A snapshot schedule created for a
// zone that then fails is never torn down; it is logged so an operator
// can sweep it.
func (p *Provisioner) Provision(ctx context.Context, plan []placement.Placement) (Instance, error) {
	var failures []CandidateFailure

	for _, pl := range plan {
		zone := pl.Candidate.Zone
		region := pl.Candidate.Region
		log := p.log.With().Str("zone", zone).Logger()
		log.Info().
			Str("disk_class", string(pl.Policy.DiskClass)).
			Int("rank", pl.Candidate.Rank).
			Msg("attempting candidate")

		created, err := p.client.EnsureSnapshotSchedule(ctx, region)
		if err != nil {
			log.Warn().Err(err).Msg("snapshot schedule ensure failed, advancing")
			failures = append(failures, CandidateFailure{Zone: zone, Err: err})
			continue
		}

		if err := p.client.CreateInstance(ctx, zone, pl.Policy); err != nil {
			log.Warn().Err(err).Msg("instance create failed, advancing")
			if created {
				log.Warn().Str("region", region).Msg("snapshot schedule left behind by failed candidate")
			}
			failures = append(failures, CandidateFailure{Zone: zone, Err: err})
			continue
		}

		inst := Instance{
			Name:      p.name,
			Zone:      zone,
			Region:    region,
			CreatedAt: time.Now().UTC(),
			Policy:    pl.Policy,
		}

		// The instance is provisioned regardless of this step's outcome.
		if err := p.client.AttachOpsPolicy(ctx, zone); err != nil {
			log.Warn().Err(err).Msg("ops policy attach failed")
		}

		log.Info().Msg("instance provisioned")
		return inst, nil
	}

	return Instance{}, &ExhaustedError{Failures: failures}
}
