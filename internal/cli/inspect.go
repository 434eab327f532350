package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/convtrack/internal/store"
)

// InspectOptions holds flags shared by the inspect subcommands.
type InspectOptions struct {
	*RootOptions
	Database string
	Domain   string
	Limit    int
	Key      string
}

// SlotRow is one jar slot in inspect output.
type SlotRow struct {
	Domain    string    `json:"domain"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	HTTPOnly  bool      `json:"http_only"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PostbackRow is one deduplication marker in inspect output.
type PostbackRow struct {
	Key         string    `json:"key"`
	OrderID     string    `json:"order_id"`
	PaymentType string    `json:"payment_type"`
	VisitorID   string    `json:"visitor_id,omitempty"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewInspectCommand creates the inspect command and its subcommands.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect a convtrack database",
		Long: `Read the attribution jar and postback markers from a convtrack
SQLite database. The database is never created or modified.

Examples:
  convtrack inspect slots --db ./convtrack.db
  convtrack inspect slots --db ./convtrack.db --domain example.com
  convtrack inspect postbacks --db ./convtrack.db --limit 20 --format json`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	slots := &cobra.Command{
		Use:   "slots",
		Short: "List unexpired jar slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspectSlots(opts, cmd)
		},
	}
	slots.Flags().StringVar(&opts.Domain, "domain", "", "only this registrable domain")

	postbacks := &cobra.Command{
		Use:   "postbacks",
		Short: "List postback markers, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspectPostbacks(opts, cmd)
		},
	}
	postbacks.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of markers")
	postbacks.Flags().StringVar(&opts.Key, "key", "", "show only the marker with this conversion key")

	cmd.AddCommand(slots, postbacks)
	return cmd
}

// openExisting opens the database without creating it.
func (o *InspectOptions) openExisting() (*store.Store, error) {
	path := o.Database
	if path == "" {
		cfg, err := o.LoadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Gateway.DB
	}
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path), err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func runInspectSlots(opts *InspectOptions, cmd *cobra.Command) error {
	st, err := opts.openExisting()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	jar := st.Jar()
	domains := []string{opts.Domain}
	if opts.Domain == "" {
		if domains, err = jar.Domains(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to list domains", err)
		}
	}

	now := time.Now()
	rows := []SlotRow{}
	for _, d := range domains {
		slots, err := jar.List(ctx, d, now)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list slots", err)
		}
		for _, s := range slots {
			rows = append(rows, SlotRow{
				Domain:    s.Domain,
				Name:      s.Name,
				Value:     s.Value,
				HTTPOnly:  s.HTTPOnly,
				ExpiresAt: s.ExpiresAt.UTC(),
			})
		}
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No slots.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOMAIN\tNAME\tVALUE\tHTTPONLY\tEXPIRES")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", r.Domain, r.Name, r.Value, r.HTTPOnly, r.ExpiresAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runInspectPostbacks(opts *InspectOptions, cmd *cobra.Command) error {
	if opts.Limit <= 0 {
		return NewExitError(ExitCommandError, "limit must be positive")
	}
	st, err := opts.openExisting()
	if err != nil {
		return err
	}
	defer st.Close()

	var pbs []store.Postback
	if opts.Key != "" {
		pb, ok, err := st.GetPostback(cmd.Context(), opts.Key)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read postback", err)
		}
		if !ok {
			return NewExitError(ExitFailure, fmt.Sprintf("no postback with key %s", opts.Key))
		}
		pbs = append(pbs, pb)
	} else {
		pbs, err = st.ListPostbacks(cmd.Context(), opts.Limit)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list postbacks", err)
		}
	}
	rows := make([]PostbackRow, 0, len(pbs))
	for _, pb := range pbs {
		rows = append(rows, PostbackRow{
			Key:         pb.Key,
			OrderID:     pb.OrderID,
			PaymentType: pb.PaymentType,
			VisitorID:   pb.VisitorID,
			Reason:      pb.Reason,
			Status:      string(pb.Status),
			Attempts:    pb.Attempts,
			LastError:   pb.LastError,
			UpdatedAt:   pb.UpdatedAt.UTC(),
		})
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No postbacks.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tORDER\tTYPE\tREASON\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", shortKey(r.Key), r.OrderID, r.PaymentType, r.Reason, r.Status, r.Attempts, r.LastError)
	}
	return tw.Flush()
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}
