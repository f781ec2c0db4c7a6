// Package deploy assembles and drives the deployment pipeline against a
// provisioned instance: gate on prior completion, install, fetch,
// convert, activate.
package deploy

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kvistgaard/modelup/internal/config"
	"github.com/kvistgaard/modelup/internal/pipeline"
)

// RuntimeClient is the serving-runtime surface the deployer drives. It is
// satisfied by serving.Client and by test fakes.
type RuntimeClient interface {
	ModelPresent(name string) (bool, error)
	RuntimeInstalled() (bool, error)
	InstallRuntime() error
	PackagesInstalled(pkgs []string) (bool, error)
	InstallPackages(pkgs []string) error
	DriversReady() (bool, error)
	InstallDrivers() error
	PathPresent(path string) (bool, error)
	FetchWeights(source, dest string) error
	ConvertWeights(inputDir, outputPath string) error
	WriteRemoteFile(path, content string) error
	WriteUnitOverride(content string) error
	DaemonReload() error
	EnableService() error
	RestartService() error
	ServiceActive() (bool, error)
	RegisterModel(name, modelfilePath string) error
}

type Deployer struct {
	cfg    config.Config
	client RuntimeClient
	pipe   *pipeline.Runner
	log    zerolog.Logger
}

func New(cfg config.Config, client RuntimeClient, log zerolog.Logger) *Deployer {
	return &Deployer{
		cfg:    cfg,
		client: client,
		pipe:   pipeline.NewRunner(log),
		log:    log.With().Str("component", "deploy").Logger(),
	}
}

// Result reports how a deployment completed. ShortPath is set when the
// gate found the model already registered and only the ensure-running
// action ran.
type Result struct {
	ShortPath bool
	Pipeline  pipeline.Result
}

// Deploy gates on the live registry before any expensive work. A repeat
// invocation after a completed deployment costs one registry query plus
// an idempotent service enable.
func (d *Deployer) Deploy(ctx context.Context) (Result, error) {
	if d.alreadyDeployed() {
		d.log.Info().Str("model", d.cfg.Model.Name).Msg("model already registered, ensuring service is running")
		if err := d.client.EnableService(); err != nil {
			return Result{ShortPath: true}, err
		}
		return Result{ShortPath: true}, nil
	}

	res, err := d.pipe.Run(ctx, d.stages())
	return Result{Pipeline: res}, err
}

// alreadyDeployed is the idempotency gate. Probe failures gate nothing:
// the full pipeline runs and its per-stage probes sort out what remains.
func (d *Deployer) alreadyDeployed() bool {
	installed, err := d.client.RuntimeInstalled()
	if err != nil {
		d.log.Warn().Err(err).Msg("runtime probe failed, taking full pipeline")
		return false
	}
	if !installed {
		return false
	}
	present, err := d.client.ModelPresent(d.cfg.Model.Name)
	if err != nil {
		d.log.Warn().Err(err).Msg("registry probe failed, taking full pipeline")
		return false
	}
	return present
}

// weightsMarker is the file whose presence means the fetch completed.
const weightsMarker = "config.json"

func (d *Deployer) stages() []pipeline.Stage {
	model := d.cfg.Model
	stages := []pipeline.Stage{
		{
			Name:       "install-drivers",
			Idempotent: true,
			Probe:      func(context.Context) (bool, error) { return d.client.DriversReady() },
			Action:     func(context.Context) error { return d.client.InstallDrivers() },
			Verify:     func(context.Context) (bool, error) { return d.client.DriversReady() },
		},
		{
			Name:       "install-runtime",
			Idempotent: true,
			Probe:      func(context.Context) (bool, error) { return d.client.RuntimeInstalled() },
			Action:     func(context.Context) error { return d.client.InstallRuntime() },
			Verify:     func(context.Context) (bool, error) { return d.client.RuntimeInstalled() },
		},
	}

	if pkgs := d.cfg.Packages.Extra; len(pkgs) > 0 {
		stages = append(stages, pipeline.Stage{
			Name:       "install-packages",
			Idempotent: true,
			Probe:      func(context.Context) (bool, error) { return d.client.PackagesInstalled(pkgs) },
			Action:     func(context.Context) error { return d.client.InstallPackages(pkgs) },
		})
	}

	stages = append(stages,
		pipeline.Stage{
			Name:       "fetch-weights",
			Idempotent: true,
			Probe: func(context.Context) (bool, error) {
				return d.client.PathPresent(model.WeightsDir + "/" + weightsMarker)
			},
			Action: func(context.Context) error {
				return d.client.FetchWeights(model.Source, model.WeightsDir)
			},
		},
		pipeline.Stage{
			Name:       "convert-weights",
			Idempotent: true,
			Probe:      func(context.Context) (bool, error) { return d.client.PathPresent(model.GGUFPath) },
			Action: func(context.Context) error {
				return d.client.ConvertWeights(model.WeightsDir, model.GGUFPath)
			},
			Verify: func(context.Context) (bool, error) { return d.client.PathPresent(model.GGUFPath) },
		},
		pipeline.Stage{
			Name:   "activate",
			Action: func(ctx context.Context) error { return d.Activate(ctx) },
			Verify: func(context.Context) (bool, error) { return d.client.ServiceActive() },
		},
	)

	return stages
}
