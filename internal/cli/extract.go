package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/convtrack/internal/signal"
)

// ExtractOptions holds flags for the extract command.
type ExtractOptions struct {
	*RootOptions
	Gateway bool
}

// ExtractResult is what the extractor decides for one landing URL.
type ExtractResult struct {
	URL       string `json:"url"`
	VisitorID string `json:"visitor_id,omitempty"`
	PartnerID string `json:"partner_id,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Rule      string `json:"rule,omitempty"`
}

// NewExtractCommand creates the extract command.
func NewExtractCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExtractOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "extract <url>",
		Short: "Show the attribution decision for a landing URL",
		Long: `Evaluate the channel priority chain against a landing page URL
without touching any stored attribution.

The tracker rules come from the config file. With --gateway the
collector gateway's own rule table is used instead.

Example:
  convtrack extract "https://shop.example.com/?admitad_uid=abc&utm_source=admitad"
  convtrack extract --gateway "https://shop.example.com/?gclid=xyz"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Gateway, "gateway", false, "use the gateway rule table")

	return cmd
}

func runExtract(opts *ExtractOptions, rawURL string, cmd *cobra.Command) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	tcfg, err := cfg.TrackerConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid tracker config", err)
	}

	u, err := signal.ParseURL(rawURL)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid url", err)
	}

	rules := tcfg.Rules
	if opts.Gateway {
		rules = signal.GatewayRules()
	}
	d := signal.NewExtractor(rules, tcfg.Policy, opts.Logger(cmd.ErrOrStderr())).Evaluate(u.Query())

	result := ExtractResult{
		URL:       rawURL,
		VisitorID: d.VisitorID,
		PartnerID: d.PartnerID,
		Candidate: d.Candidate,
		Rule:      d.Rule,
	}
	if opts.Format == "json" {
		return opts.formatter(cmd).Success(result)
	}

	w := cmd.OutOrStdout()
	if result.Candidate == "" {
		fmt.Fprintln(w, "channel:    (none, stored attribution kept)")
	} else {
		fmt.Fprintf(w, "channel:    %s (rule %s)\n", result.Candidate, result.Rule)
	}
	if result.VisitorID != "" {
		fmt.Fprintf(w, "visitor id: %s\n", result.VisitorID)
	}
	if result.PartnerID != "" {
		fmt.Fprintf(w, "partner id: %s\n", result.PartnerID)
	}
	return nil
}
