package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/blprov/internal/device"
)

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Run a single provisioning pass",
	Long: `Scans for the first peripheral advertising the service, connects to it, discovers the
target characteristic, writes the payload and disconnects.

Examples:
  # Provision with the default identifiers and an empty payload
  blprov provision

  # Write a hex payload to a vendor characteristic
  blprov provision --service 6e400001-b5a3-f393-e0a9-e50e24dcca9e --char 6e400002-b5a3-f393-e0a9-e50e24dcca9e --payload "01 02" --hex

  # Use the tinygo backend with a longer scan
  blprov provision --backend tinygo --timeout 15s`,
	Args: cobra.NoArgs,
	RunE: runProvision,
}

var provisionOpts provisionFlags

func init() {
	provisionOpts.register(provisionCmd)
}

func runProvision(cmd *cobra.Command, _ []string) error {
	cfg, payload, err := provisionOpts.resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newProvisioner(cfg, payload, logger)
	if err != nil {
		return err
	}
	p.run(ctx)
	defer func() {
		if cerr := p.close(); cerr != nil {
			logger.WithError(cerr).Warn("Runner stopped with errors")
		}
	}()

	return provisionOnce(ctx, cmd, p)
}

func provisionOnce(ctx context.Context, cmd *cobra.Command, p *provisioner) error {
	progress := NewProgressPrinter(cmd.OutOrStdout(), passPrefix(p), p.cfg.ScanTimeout)
	progress.Start()

	t, err := p.pass(ctx, progress)
	progress.Stop()
	if err != nil {
		return err
	}
	return printOutcome(cmd.OutOrStdout(), t, len(p.payload))
}

// passPrefix is the progress line prefix naming the payload size and target characteristic.
func passPrefix(p *provisioner) string {
	return fmt.Sprintf("Provisioning %d bytes to %s", len(p.payload), device.ShortenUUID(device.NormalizeUUID(p.cfg.CharacteristicUUID)))
}
