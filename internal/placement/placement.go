// Package placement orders candidate zones and derives the per-zone
// resource policy applied when an instance is created there.
package placement

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownZone = errors.New("placement: no disk class mapping for zone")

type DiskClass string

const (
	DiskHyperdiskBalanced DiskClass = "hyperdisk-balanced"
	DiskSSD               DiskClass = "pd-ssd"
)

// Candidate is one placement option, tried in preference order.
type Candidate struct {
	Zone   string
	Region string
	Rank   int
}

// Policy is the zone-derived resource policy for an instance. Derived once
// per candidate, never mutated afterwards.
type Policy struct {
	DiskClass             DiskClass
	ProvisionedIOPS       int64
	ProvisionedThroughput int64
	AcceleratorType       string
	AcceleratorCount      int
	ConfidentialCompute   bool
	SecureBoot            bool
}

// Placement pairs a candidate with its derived policy.
type Placement struct {
	Candidate Candidate
	Policy    Policy
}

// Options adjust candidate selection. OnlyZone replaces the whole list
// with a singleton; Hardened forces the stronger isolation posture on
// every candidate.
type Options struct {
	OnlyZone string
	Hardened bool
}

// Accelerator names the GPU configuration requested for every candidate.
type Accelerator struct {
	Type  string
	Count int
}

// Hyperdisk regions get balanced hyperdisks with provisioned throughput;
// everything else falls back to pd-ssd. List order matters only for
// readability; prefixes do not overlap.
var diskClassByZonePrefix = []struct {
	prefix     string
	class      DiskClass
	iops       int64
	throughput int64
}{
	{"us-central1", DiskHyperdiskBalanced, 3000, 750},
	{"us-east4", DiskHyperdiskBalanced, 3000, 750},
	{"us-east5", DiskHyperdiskBalanced, 3000, 750},
	{"us-west1", DiskSSD, 0, 0},
	{"us-west4", DiskSSD, 0, 0},
	{"europe-west4", DiskSSD, 0, 0},
	{"asia-southeast1", DiskSSD, 0, 0},
}

// Plan produces the ordered (candidate, policy) list for the given zones.
// An unmapped zone is a configuration error and fails the whole plan
// before any provisioning is attempted.
func Plan(zones []string, acc Accelerator, opts Options) ([]Placement, error) {
	ordered := zones
	if z := strings.TrimSpace(opts.OnlyZone); z != "" {
		ordered = []string{z}
	}
	if len(ordered) == 0 {
		return nil, errors.New("placement: no candidate zones")
	}

	plan := make([]Placement, 0, len(ordered))
	for rank, zone := range ordered {
		zone = strings.TrimSpace(zone)
		policy, err := derivePolicy(zone, acc, opts.Hardened)
		if err != nil {
			return nil, err
		}
		plan = append(plan, Placement{
			Candidate: Candidate{
				Zone:   zone,
				Region: RegionOf(zone),
				Rank:   rank,
			},
			Policy: policy,
		})
	}
	return plan, nil
}

func derivePolicy(zone string, acc Accelerator, hardened bool) (Policy, error) {
	for _, entry := range diskClassByZonePrefix {
		if !strings.HasPrefix(zone, entry.prefix) {
			continue
		}
		return Policy{
			DiskClass:             entry.class,
			ProvisionedIOPS:       entry.iops,
			ProvisionedThroughput: entry.throughput,
			AcceleratorType:       acc.Type,
			AcceleratorCount:      acc.Count,
			ConfidentialCompute:   hardened,
			SecureBoot:            true,
		}, nil
	}
	return Policy{}, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
}

// RegionOf strips the zone suffix: "us-central1-a" -> "us-central1".
func RegionOf(zone string) string {
	idx := strings.LastIndex(zone, "-")
	if idx <= 0 {
		return zone
	}
	return zone[:idx]
}
