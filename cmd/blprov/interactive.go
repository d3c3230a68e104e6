package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/blprov/internal/provision"
)

// interactiveCmd represents the interactive command
var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Run a provisioning pass for every line read from stdin",
	Long: `Keeps one session open and starts a provisioning pass each time Enter is pressed.
Type q or send EOF (Ctrl+D) to exit.

Examples:
  # Provision devices one after another
  blprov interactive --payload "01" --hex`,
	Args: cobra.NoArgs,
	RunE: runInteractive,
}

var interactiveOpts provisionFlags

func init() {
	interactiveOpts.register(interactiveCmd)
}

func runInteractive(cmd *cobra.Command, _ []string) error {
	cfg, payload, err := interactiveOpts.resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

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

	return interactiveLoop(ctx, cmd, p)
}

// interactiveLoop starts a pass for each input line. Lines read while a pass is in flight
// are dropped by the session. Failed passes are reported and the loop goes on.
// On q or EOF the loop waits for the pass in flight before printing the summary.
func interactiveLoop(ctx context.Context, cmd *cobra.Command, p *provisioner) error {
	out := cmd.OutOrStdout()
	lines := readLines(ctx, cmd.InOrStdin())
	transitions := p.runner.Transitions()
	prompt := func() { fmt.Fprint(out, "Press Enter to provision, q to quit: ") }

	var progress *ProgressPrinter
	stopProgress := func() {
		if progress != nil {
			progress.Stop()
			progress = nil
		}
	}
	defer stopProgress()

	busy, quitting := false, false
	passes, completed := 0, 0
	prompt()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return ctx.Err()

		case line, ok := <-lines:
			if !ok || strings.EqualFold(strings.TrimSpace(line), "q") {
				if !busy {
					fmt.Fprintf(out, "\n%d of %d passes completed\n", completed, passes)
					return nil
				}
				quitting, lines = true, nil
				continue
			}
			if busy {
				p.logger.Debug("Pass in flight, input ignored")
			} else {
				busy = true
				progress = NewProgressPrinter(out, passPrefix(p), p.cfg.ScanTimeout)
				progress.Start()
			}
			p.runner.Start()

		case t, ok := <-transitions:
			if !ok {
				return provision.ErrCancelled
			}
			if progress != nil {
				progress.Observe(t)
			}
			if !t.Finished() {
				continue
			}
			stopProgress()
			busy = false
			passes++
			if printOutcome(out, t, len(p.payload)) == nil {
				completed++
			}
			if quitting {
				fmt.Fprintf(out, "\n%d of %d passes completed\n", completed, passes)
				return nil
			}
			prompt()
		}
	}
}

// readLines delivers the lines of r until EOF or ctx is done. The channel is closed on EOF.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
