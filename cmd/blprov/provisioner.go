package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blprov/internal/groutine"
	"github.com/srg/blprov/internal/provision"
	"github.com/srg/blprov/pkg/config"
)

// provisionFlags are shared by the provision and interactive commands.
type provisionFlags struct {
	service        string
	char           string
	payload        string
	hex            bool
	timeout        time.Duration
	connectTimeout time.Duration
	backend        string
	verbose        bool
}

func (f *provisionFlags) register(cmd *cobra.Command) {
	defaults := config.DefaultConfig()
	cmd.Flags().StringVar(&f.service, "service", defaults.ServiceUUID, "Service UUID advertised by the peripheral")
	cmd.Flags().StringVar(&f.char, "char", defaults.CharacteristicUUID, "Characteristic UUID the payload is written to")
	cmd.Flags().StringVar(&f.payload, "payload", "", "Payload to write; raw bytes by default")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Parse payload as hex string (e.g., 'FF01')")
	cmd.Flags().DurationVar(&f.timeout, "timeout", defaults.ScanTimeout, "Scan timeout")
	cmd.Flags().DurationVar(&f.connectTimeout, "connect-timeout", defaults.ConnectTimeout, "Connect timeout")
	cmd.Flags().StringVar(&f.backend, "backend", defaults.Backend, "Radio backend (goble, tinygo)")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "Enable debug logging")
}

// resolveConfig loads --config and applies the flags the user set explicitly on top of it.
func (f *provisionFlags) resolveConfig(cmd *cobra.Command) (*config.Config, []byte, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	changed := cmd.Flags().Changed
	if changed("service") {
		cfg.ServiceUUID = f.service
	}
	if changed("char") {
		cfg.CharacteristicUUID = f.char
	}
	if changed("timeout") {
		cfg.ScanTimeout = f.timeout
	}
	if changed("connect-timeout") {
		cfg.ConnectTimeout = f.connectTimeout
	}
	if changed("backend") {
		cfg.Backend = f.backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	payload, err := cfg.PayloadBytes()
	if changed("payload") {
		payload, err = parsePayload(f.payload, f.hex)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	return cfg, payload, nil
}

// parsePayload converts input string to bytes based on format flags
func parsePayload(data string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(data), nil
	}

	// Remove spaces and common separators
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(data)
	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return b, nil
}

// provisioner owns one session, its runner and the radio backend driving it.
type provisioner struct {
	cfg     *config.Config
	payload []byte
	logger  *logrus.Logger
	runner  *provision.Runner
	radio   radioBackend

	cancel context.CancelFunc
	runErr chan error
}

func newProvisioner(cfg *config.Config, payload []byte, logger *logrus.Logger) (*provisioner, error) {
	targets, err := cfg.Targets()
	if err != nil {
		return nil, err
	}

	session, err := provision.NewSession(provision.Options{
		Targets:     targets,
		ScanTimeout: cfg.ScanTimeout,
		Payload:     payload,
		Policy:      cfg.Policy(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	runner := provision.NewRunner(session, provision.WithLogger(logger))
	radio, err := radioOpener(cfg, runner, logger)
	if err != nil {
		return nil, err
	}

	return &provisioner{
		cfg:     cfg,
		payload: payload,
		logger:  logger,
		runner:  runner,
		radio:   radio,
	}, nil
}

// run starts the event loop. It stops when ctx is cancelled or close is called.
func (p *provisioner) run(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.runErr = make(chan error, 1)
	groutine.GoLogged(ctx, p.logger, "provision-runner", func(ctx context.Context) {
		p.runErr <- p.runner.Run(ctx, p.radio)
	})
}

// pass runs one provisioning pass and reports its outcome.
func (p *provisioner) pass(ctx context.Context, progress *ProgressPrinter) (provision.Transition, error) {
	p.runner.Start()

	var step func(provision.Transition)
	if progress != nil {
		step = progress.Observe
	}
	return provision.AwaitOutcome(ctx, p.runner.Transitions(), step)
}

// close stops the runner, which releases whatever a pass in flight holds, then the radio.
func (p *provisioner) close() error {
	var err error
	if p.cancel != nil {
		p.cancel()
		if runErr := <-p.runErr; runErr != nil && !errors.Is(runErr, context.Canceled) {
			err = runErr
		}
	}
	p.radio.Close()
	return err
}
