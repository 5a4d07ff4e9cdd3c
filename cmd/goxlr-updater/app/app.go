// Package app wires the updater daemon: flags, config file, logging, the
// agent workers and the local status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mixerkit/goxlr-updater/cmd/goxlr-updater/app/options"
	"github.com/mixerkit/goxlr-updater/internal/agent"
	"github.com/mixerkit/goxlr-updater/internal/device"
	"github.com/mixerkit/goxlr-updater/internal/device/sim"
	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/internal/server"
	"github.com/mixerkit/goxlr-updater/pkg/log"
	"github.com/mixerkit/goxlr-updater/pkg/version"
)

const (
	commandName = "goxlr-updater"
	commandDesc = `The GoXLR updater daemon scans for connected GoXLR devices, downloads
firmware images from the vendor catalog and drives the on-device update
protocol. A local HTTP API exposes device, progress and control endpoints.`

	envPrefix = "GOXLR_UPDATER"
)

// NewCommand builds the root command with its subcommands.
func NewCommand() *cobra.Command {
	opts := options.NewOptions()
	var configFile string

	cmd := &cobra.Command{
		Use:          commandName,
		Short:        "Firmware updater daemon for GoXLR devices",
		Long:         commandDesc,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(configFile, cmd.Flags(), opts); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			log.Init(opts.Log)
			return run(opts)
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVarP(&configFile, "config", "c", "", "Path to the configuration file.")
	opts.AddFlags(fs)

	cmd.AddCommand(newDevicesCommand(opts))
	return cmd
}

// loadConfig layers the optional config file and environment variables over
// the flag defaults.
func loadConfig(path string, fs *pflag.FlagSet, opts *options.Options) error {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	return v.Unmarshal(opts)
}

func run(opts *options.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := newTransport(opts)
	if err != nil {
		return err
	}

	a := agent.New(transport, opts.Catalog, opts.Update)
	srv := server.New(a, opts.Http)

	log.Info("Starting updater daemon", "addr", opts.Http.Addr, "simulate", opts.Simulate)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Updater daemon stopped")
	return nil
}

// newTransport selects the device bus. The USB backend lives in a separate
// hardware package and is linked in by downstream builds; this build carries
// the simulator.
func newTransport(opts *options.Options) (device.Transport, error) {
	if !opts.Simulate {
		return nil, errors.New("no USB backend in this build, run with --simulate")
	}

	t := sim.NewTransport()
	t.Attach(sim.NewDevice(firmware.FamilyFull, "SIM-FULL-01", version.New(1, 3, 36, 0)))
	t.Attach(sim.NewDevice(firmware.FamilyMini, "SIM-MINI-01", version.New(1, 1, 8, 0)))
	return t, nil
}
