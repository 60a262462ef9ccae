package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/alvmarrod/trust-carto/internal/consolidation"
	"github.com/alvmarrod/trust-carto/internal/explorer"
	"github.com/alvmarrod/trust-carto/internal/storage"
	"github.com/fatih/color"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorWarn    = color.New(color.FgYellow).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
)

// consoleSummary prints one line per analyzed domain followed by the skipped ones
type consoleSummary struct {
	out     io.Writer
	skipped []explorer.SkippedDomain
}

func (s *consoleSummary) Name() string { return "console-summary" }

func (s *consoleSummary) Build(_ context.Context, outcomes []storage.Outcome, opts consolidation.ReportOptions) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", colorInfo("Run"), opts.RunID)
	if opts.CenterDomain != "" {
		fmt.Fprintf(&b, "%s %s\n", colorInfo("Center"), opts.CenterDomain)
	}

	succeeded, failed := 0, 0
	for _, o := range outcomes {
		switch o.Status {
		case storage.StatusSucceeded:
			succeeded++
			fmt.Fprintf(&b, "  %s %s (%d trusts)\n", formatStatus(o.Status), o.DomainName, len(o.TrustEdges))
		default:
			failed++
			fmt.Fprintf(&b, "  %s %s [%s] %s\n", formatStatus(o.Status), o.DomainName, o.ErrorCategory, o.ErrorMessage)
		}
	}

	for _, sk := range s.skipped {
		fmt.Fprintf(&b, "  %s %s (%s)\n", colorWarn("skipped"), sk.Domain, sk.Reason)
	}

	fmt.Fprintf(&b, "%d succeeded, %d failed, %d skipped\n", succeeded, failed, len(s.skipped))

	_, err := io.WriteString(s.out, b.String())
	return err
}

func formatStatus(status storage.OutcomeStatus) string {
	switch status {
	case storage.StatusSucceeded:
		return colorSuccess(string(status))
	case storage.StatusLicenseDenied:
		return colorWarn(string(status))
	default:
		return colorError(string(status))
	}
}
