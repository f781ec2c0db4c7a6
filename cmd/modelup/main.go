package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kvistgaard/modelup/internal/bundle"
	"github.com/kvistgaard/modelup/internal/config"
	"github.com/kvistgaard/modelup/internal/deploy"
	"github.com/kvistgaard/modelup/internal/logging"
	"github.com/kvistgaard/modelup/internal/placement"
	"github.com/kvistgaard/modelup/internal/provision"
	"github.com/kvistgaard/modelup/internal/serving"
	"github.com/kvistgaard/modelup/internal/tools"
)

const defaultConfigPath = "modelup.toml"

func main() {
	_ = godotenv.Load()
	logger := logging.New("modelup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("command interrupted")
			os.Exit(130)
		}
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	onlyZone   string
	hardened   bool
}

func newRootCommand(logger zerolog.Logger) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "modelup",
		Short:         "Provision GPU capacity and deploy the model-serving backend",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfigPath, "Path to the TOML configuration file")
	root.PersistentFlags().StringVar(&flags.onlyZone, "zone", "", "Force a single placement zone")
	root.PersistentFlags().BoolVar(&flags.hardened, "hardened", false, "Request confidential compute on every candidate")

	root.AddCommand(
		newProvisionCommand(logger, flags),
		newDeployCommand(logger, flags),
		newUpCommand(logger, flags),
		newCollectCommand(logger, flags),
		newStatusCommand(logger, flags),
	)
	return root
}

func newProvisionCommand(logger zerolog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the GPU instance at the first candidate zone that accepts it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			_, err = provisionInstance(cmd.Context(), cfg, flags, logger)
			return err
		},
	}
}

func newDeployCommand(logger zerolog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Run the deployment pipeline against the instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			return runDeploy(cmd.Context(), cfg, logger)
		},
	}
}

func newUpCommand(logger zerolog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Provision and deploy end to end",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if _, err := provisionInstance(cmd.Context(), cfg, flags, logger); err != nil {
				return err
			}
			return runDeploy(cmd.Context(), cfg, logger)
		},
	}
}

func newCollectCommand(logger zerolog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Bundle run artifacts into one retrievable archive",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			runner := deployRunner(cfg)
			if err := tools.CheckRunnerPrerequisites(runner, "tar", "sudo"); err != nil {
				return err
			}
			owner, err := invokingUser()
			if err != nil {
				return err
			}
			packager := bundle.NewPackager(runner, logger)
			b, err := packager.Collect(cfg.Bundle.Sources, cfg.Bundle.Dir, owner)
			if err != nil {
				return err
			}
			fmt.Println(b.ArchivePath)
			return nil
		},
	}
}

func newStatusCommand(logger zerolog.Logger, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report instance, service and model state without changing anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), cfg, logger)
		},
	}
}

func provisionInstance(ctx context.Context, cfg config.Config, flags *rootFlags, logger zerolog.Logger) (provision.Instance, error) {
	if err := tools.CheckPrerequisites("gcloud"); err != nil {
		return provision.Instance{}, err
	}

	plan, err := placement.Plan(cfg.Zones,
		placement.Accelerator{Type: cfg.Accelerator.Type, Count: cfg.Accelerator.Count},
		placement.Options{OnlyZone: flags.onlyZone, Hardened: flags.hardened},
	)
	if err != nil {
		return provision.Instance{}, err
	}

	client := &provision.GCloudClient{
		Runner:       tools.ExecRunner{},
		Project:      cfg.Project,
		InstanceName: cfg.InstanceName,
		MachineType:  cfg.MachineType,
		BootDiskGB:   cfg.Disks.BootGB,
	}
	inst, err := provision.New(cfg.InstanceName, client, logger).Provision(ctx, plan)
	if err != nil {
		return provision.Instance{}, err
	}

	manifest, err := deploy.WriteInstanceManifest(cfg, inst)
	if err != nil {
		return inst, err
	}
	logger.Info().Str("manifest", manifest).Str("zone", inst.Zone).Msg("instance ready")
	return inst, nil
}

func runDeploy(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	client := serving.NewClient(deployRunner(cfg), cfg.Service.Unit, logger)
	res, err := deploy.New(cfg, client, logger).Deploy(ctx)
	if err != nil {
		return err
	}
	if res.ShortPath {
		logger.Info().Msg("deployment already complete, service ensured running")
		return nil
	}
	logger.Info().Str("run_id", res.Pipeline.RunID).Int("stages", len(res.Pipeline.Outcomes)).Msg("deployment complete")
	return nil
}

func runStatus(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	if err := tools.CheckPrerequisites("gcloud"); err != nil {
		return err
	}
	compute := &provision.GCloudClient{
		Runner:       tools.ExecRunner{},
		Project:      cfg.Project,
		InstanceName: cfg.InstanceName,
	}

	instanceZone := ""
	for _, zone := range cfg.Zones {
		exists, err := compute.InstanceExists(ctx, zone)
		if err != nil {
			logger.Warn().Err(err).Str("zone", zone).Msg("instance probe failed")
			continue
		}
		if exists {
			instanceZone = zone
			break
		}
	}

	client := serving.NewClient(deployRunner(cfg), cfg.Service.Unit, logger)
	active, err := client.ServiceActive()
	if err != nil {
		logger.Warn().Err(err).Msg("service probe failed")
	}
	registered := false
	if active {
		registered, err = client.ModelPresent(cfg.Model.Name)
		if err != nil {
			logger.Warn().Err(err).Msg("registry probe failed")
		}
	}

	fmt.Printf("instance:   %s\n", presence(instanceZone != "", instanceZone))
	fmt.Printf("service:    %s\n", onOff(active, "active", "inactive"))
	fmt.Printf("model:      %s\n", onOff(registered, "registered", "not registered"))
	return nil
}

// deployRunner picks SSH when a target host is configured, local
// execution otherwise (the tool may run on the instance itself).
func deployRunner(cfg config.Config) tools.CommandRunner {
	if cfg.SSH.Host == "" {
		return tools.ExecRunner{}
	}
	return tools.SSHRunner{
		Host:                        cfg.SSH.Host,
		Port:                        cfg.SSH.Port,
		User:                        cfg.SSH.User,
		KeyPath:                     cfg.SSH.KeyPath,
		KnownHostsPath:              cfg.SSH.KnownHosts,
		InsecureSkipHostKeyChecking: cfg.SSH.Insecure,
		Timeout:                     30 * time.Second,
	}
}

func invokingUser() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolve invoking user: %w", err)
	}
	return u.Username, nil
}

func presence(ok bool, detail string) string {
	if ok {
		return "present (" + detail + ")"
	}
	return "absent"
}

func onOff(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
