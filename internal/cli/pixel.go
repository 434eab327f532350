package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/convtrack/internal/conversion"
	"github.com/roach88/convtrack/internal/delivery"
)

// PixelOptions holds flags for the pixel command.
type PixelOptions struct {
	*RootOptions
	OrderID     string
	Amount      string
	UID         string
	Channel     string
	PaymentType string
	BaseURL     string
}

// NewPixelCommand creates the pixel command.
func NewPixelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PixelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pixel",
		Short: "Print the legacy image pixel URL for an order",
		Long: `Build the legacy image pixel URL the tracker fires for a conversion.
Campaign, action and tariff codes come from the tracker section of the
config file.

Example:
  convtrack pixel --order-id O-1 --amount 150 --uid abc --channel admitad`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPixel(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.OrderID, "order-id", "", "order id (required)")
	cmd.Flags().StringVar(&opts.Amount, "amount", "0", "order amount")
	cmd.Flags().StringVar(&opts.UID, "uid", "", "affiliate visitor id")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "attributed channel (default direct)")
	cmd.Flags().StringVar(&opts.PaymentType, "payment-type", string(conversion.KindSale), "sale or lead")
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "pixel endpoint (default from config)")
	_ = cmd.MarkFlagRequired("order-id")

	return cmd
}

func runPixel(opts *PixelOptions, cmd *cobra.Command) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	tcfg, err := cfg.TrackerConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid tracker config", err)
	}
	if opts.BaseURL != "" {
		tcfg.Delivery.PixelURL = opts.BaseURL
	}

	kind, err := conversion.ParseKind(opts.PaymentType)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid payment type", err)
	}
	ev := conversion.Event{
		Kind:    kind,
		OrderID: opts.OrderID,
		Attribution: conversion.Snapshot{
			VisitorID: opts.UID,
			Channel:   opts.Channel,
		},
	}
	if _, _, err := ev.Amount.SetString(opts.Amount); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid amount %q", opts.Amount), err)
	}

	pipeline := delivery.New(tcfg.Delivery, nil)
	pixelURL, err := delivery.PixelURL(pipeline.Config().PixelURL, pipeline.PixelParamsFor(&ev))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build pixel url", err)
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(map[string]string{"url": pixelURL})
	}
	fmt.Fprintln(cmd.OutOrStdout(), pixelURL)
	return nil
}
