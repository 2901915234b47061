package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"order-sync/config"
	"order-sync/internal/broker"
	"order-sync/internal/models"
	"order-sync/internal/signature"
	"order-sync/internal/store"
	"order-sync/internal/util"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "webhookctl",
		Short:   "Operate the order sync webhook pipeline",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return util.InitLogger("cli", "warn")
		},
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(signCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			db, err := store.NewStore(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var (
		source     string
		failedOnly bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			db, err := store.NewStore(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			filter := models.WebhookFilter{Source: source, Limit: limit}
			if failedOnly {
				filter.Processed = models.BoolPtr(false)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			records, err := db.ListWebhookRecords(ctx, filter)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Filter by source (mercadolibre, mercadopago)")
	cmd.Flags().BoolVar(&failedOnly, "unprocessed", false, "Only webhooks whose handler failed")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")

	return cmd
}

func replayCmd() *cobra.Command {
	var requestedBy string

	cmd := &cobra.Command{
		Use:   "replay [webhook-id...]",
		Short: "Queue stored webhooks for reprocessing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReplay)
			defer producer.Close()
			publisher := broker.NewEventPublisher(producer)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			for _, id := range args {
				if err := publisher.RequestReplay(ctx, id, requestedBy); err != nil {
					return fmt.Errorf("queue %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&requestedBy, "by", "webhookctl", "Operator recorded on the replay event")

	return cmd
}

func signCmd() *cobra.Command {
	var (
		secret string
		ts     int64
	)

	cmd := &cobra.Command{
		Use:   "sign [body-file]",
		Short: "Print an x-signature header for a payment notification body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = config.Load().Payment.WebhookSecret
			}
			if secret == "" {
				return signature.ErrMissingSecret
			}

			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			dataID, err := signature.ExtractDataID(body)
			if err != nil {
				return err
			}
			if ts == 0 {
				ts = time.Now().Unix()
			}

			fmt.Fprintln(cmd.OutOrStdout(), signature.Header(ts, dataID, secret))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Webhook secret (defaults to MP_WEBHOOK_SECRET)")
	cmd.Flags().Int64Var(&ts, "ts", 0, "Unix timestamp to sign (defaults to now)")

	return cmd
}
