package provision

import (
	"context"
	"fmt"

	"github.com/kvistgaard/modelup/internal/placement"
	"github.com/kvistgaard/modelup/internal/tools"
)

const (
	imageFamily  = "common-cu124"
	imageProject = "deeplearning-platform-release"
	opsLabel     = "goog-ops-agent-policy=v2-x86-template"
)

// GCloudClient drives the cloud control plane through the gcloud CLI.
type GCloudClient struct {
	Runner       tools.CommandRunner
	Project      string
	InstanceName string
	MachineType  string
	BootDiskGB   int64
	ScheduleName string
}

func (c *GCloudClient) schedule() string {
	if c.ScheduleName != "" {
		return c.ScheduleName
	}
	return c.InstanceName + "-daily-snapshots"
}

func (c *GCloudClient) CreateInstance(_ context.Context, zone string, policy placement.Policy) error {
	args := []string{
		"compute", "instances", "create", c.InstanceName,
		"--project", c.Project,
		"--zone", zone,
		"--machine-type", c.MachineType,
		"--image-family", imageFamily,
		"--image-project", imageProject,
		"--maintenance-policy", "TERMINATE",
		fmt.Sprintf("--accelerator=type=%s,count=%d", policy.AcceleratorType, policy.AcceleratorCount),
		fmt.Sprintf("--boot-disk-size=%dGB", c.BootDiskGB),
		fmt.Sprintf("--boot-disk-type=%s", policy.DiskClass),
	}
	if policy.DiskClass == placement.DiskHyperdiskBalanced {
		args = append(args,
			fmt.Sprintf("--boot-disk-provisioned-iops=%d", policy.ProvisionedIOPS),
			fmt.Sprintf("--boot-disk-provisioned-throughput=%d", policy.ProvisionedThroughput),
		)
	}
	if policy.SecureBoot {
		args = append(args, "--shielded-secure-boot")
	}
	if policy.ConfidentialCompute {
		args = append(args, "--confidential-compute-type=TDX")
	}

	_, err := tools.RunChecked(c.Runner, "gcloud", args...)
	return err
}

// EnsureSnapshotSchedule attempts the create and, when the create fails,
// probes with describe: an existing schedule answers the probe with exit
// zero and the original failure is dropped.
func (c *GCloudClient) EnsureSnapshotSchedule(_ context.Context, region string) (bool, error) {
	name := c.schedule()
	_, createErr := tools.RunChecked(c.Runner, "gcloud",
		"compute", "resource-policies", "create", "snapshot-schedule", name,
		"--project", c.Project,
		"--region", region,
		"--daily-schedule",
		"--start-time", "04:00",
		"--max-retention-days", "7",
	)
	if createErr == nil {
		return true, nil
	}

	if tools.Succeeds(c.Runner, "gcloud",
		"compute", "resource-policies", "describe", name,
		"--project", c.Project,
		"--region", region,
	) {
		return false, nil
	}
	return false, createErr
}

func (c *GCloudClient) AttachOpsPolicy(_ context.Context, zone string) error {
	_, err := tools.RunChecked(c.Runner, "gcloud",
		"compute", "instances", "add-labels", c.InstanceName,
		"--project", c.Project,
		"--zone", zone,
		"--labels", opsLabel,
	)
	return err
}

func (c *GCloudClient) InstanceExists(_ context.Context, zone string) (bool, error) {
	if tools.Succeeds(c.Runner, "gcloud",
		"compute", "instances", "describe", c.InstanceName,
		"--project", c.Project,
		"--zone", zone,
		"--format", "value(name)",
	) {
		return true, nil
	}
	return false, nil
}
