package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/srg/blprov/internal/provision"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	failureColor = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
)

// printOutcome writes the result line of a finished pass and returns nil only when it completed.
func printOutcome(w io.Writer, t provision.Transition, payloadLen int) error {
	switch t.Outcome {
	case provision.OutcomeCompleted:
		successColor.Fprint(w, "OK")
		fmt.Fprintf(w, " wrote %d bytes to %s\n", payloadLen, t.Peripheral)
		return nil
	case provision.OutcomeTimedOut:
		warnColor.Fprint(w, "TIMEOUT")
		fmt.Fprintf(w, " %s\n", FormatUserError(t.Err))
	default:
		failureColor.Fprint(w, "FAILED")
		fmt.Fprintf(w, " (%s) %s\n", t.Outcome, FormatUserError(t.Err))
	}
	return fmt.Errorf("%w: %s", ErrProvisioningFailed, t.Outcome)
}
