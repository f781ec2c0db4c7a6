package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/kvistgaard/modelup/internal/logging"
	"github.com/kvistgaard/modelup/internal/placement"
)

type fakeCompute struct {
	failCreateIn    map[string]error
	failScheduleIn  map[string]error
	scheduleExists  map[string]bool
	attachErr       error
	createdIn       []string
	schedulesMade   []string
	attachCalls     int
	instancesListed map[string]bool
}

func (f *fakeCompute) CreateInstance(_ context.Context, zone string, _ placement.Policy) error {
	if err, ok := f.failCreateIn[zone]; ok {
		return err
	}
	f.createdIn = append(f.createdIn, zone)
	return nil
}

func (f *fakeCompute) EnsureSnapshotSchedule(_ context.Context, region string) (bool, error) {
	if err, ok := f.failScheduleIn[region]; ok {
		return false, err
	}
	if f.scheduleExists[region] {
		return false, nil
	}
	f.schedulesMade = append(f.schedulesMade, region)
	return true, nil
}

func (f *fakeCompute) AttachOpsPolicy(_ context.Context, _ string) error {
	f.attachCalls++
	return f.attachErr
}

func (f *fakeCompute) InstanceExists(_ context.Context, zone string) (bool, error) {
	return f.instancesListed[zone], nil
}

func testPlan(t *testing.T, zones ...string) []placement.Placement {
	t.Helper()
	plan, err := placement.Plan(zones, placement.Accelerator{Type: "nvidia-l4", Count: 1}, placement.Options{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return plan
}

func TestProvisionFirstSuccessWins(t *testing.T) {
	fake := &fakeCompute{
		failCreateIn: map[string]error{
			"us-central1-a": errors.New("zone exhausted"),
			"us-east4-b":    errors.New("quota"),
		},
	}
	p := New("llm-node-0", fake, logging.NewTest())

	inst, err := p.Provision(context.Background(), testPlan(t, "us-central1-a", "us-east4-b", "us-west1-b"))
	if err != nil {
		t.Fatalf("unexpected provision error: %v", err)
	}
	if inst.Zone != "us-west1-b" {
		t.Fatalf("expected third candidate to win, got %q", inst.Zone)
	}
	if inst.Region != "us-west1" {
		t.Fatalf("unexpected region: %q", inst.Region)
	}
	if len(fake.createdIn) != 1 || fake.createdIn[0] != "us-west1-b" {
		t.Fatalf("expected exactly one instance in the winning zone, got %v", fake.createdIn)
	}
}

func TestProvisionExhaustion(t *testing.T) {
	fake := &fakeCompute{
		failCreateIn: map[string]error{
			"us-central1-a": errors.New("zone exhausted"),
			"us-east4-b":    errors.New("quota"),
		},
	}
	p := New("llm-node-0", fake, logging.NewTest())

	_, err := p.Provision(context.Background(), testPlan(t, "us-central1-a", "us-east4-b"))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if len(exhausted.Failures) != 2 {
		t.Fatalf("expected both failures recorded, got %d", len(exhausted.Failures))
	}
	if exhausted.Failures[0].Zone != "us-central1-a" {
		t.Fatalf("unexpected failure order: %+v", exhausted.Failures)
	}
	if len(fake.createdIn) != 0 {
		t.Fatalf("no instance should exist after exhaustion, got %v", fake.createdIn)
	}
}

func TestProvisionExistingScheduleIsSuccess(t *testing.T) {
	fake := &fakeCompute{
		scheduleExists: map[string]bool{"us-central1": true},
	}
	p := New("llm-node-0", fake, logging.NewTest())

	inst, err := p.Provision(context.Background(), testPlan(t, "us-central1-a"))
	if err != nil {
		t.Fatalf("unexpected provision error: %v", err)
	}
	if inst.Zone != "us-central1-a" {
		t.Fatalf("unexpected zone: %q", inst.Zone)
	}
	if len(fake.schedulesMade) != 0 {
		t.Fatalf("no schedule should be recreated, got %v", fake.schedulesMade)
	}
}

func TestProvisionScheduleFailureAdvances(t *testing.T) {
	fake := &fakeCompute{
		failScheduleIn: map[string]error{"us-central1": errors.New("permission denied")},
	}
	p := New("llm-node-0", fake, logging.NewTest())

	inst, err := p.Provision(context.Background(), testPlan(t, "us-central1-a", "us-west1-b"))
	if err != nil {
		t.Fatalf("unexpected provision error: %v", err)
	}
	if inst.Zone != "us-west1-b" {
		t.Fatalf("expected fallback zone, got %q", inst.Zone)
	}
}

func TestProvisionAttachFailureIsNotFatal(t *testing.T) {
	fake := &fakeCompute{attachErr: errors.New("ops policy api down")}
	p := New("llm-node-0", fake, logging.NewTest())

	inst, err := p.Provision(context.Background(), testPlan(t, "us-central1-a"))
	if err != nil {
		t.Fatalf("attach failure must not fail provisioning: %v", err)
	}
	if inst.Zone != "us-central1-a" {
		t.Fatalf("unexpected zone: %q", inst.Zone)
	}
	if fake.attachCalls != 1 {
		t.Fatalf("expected one attach attempt, got %d", fake.attachCalls)
	}
}
