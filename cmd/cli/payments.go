package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/nimasrn/payment-gateway/internal/config"
	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/reference"
	"github.com/nimasrn/payment-gateway/internal/repository"
	"github.com/nimasrn/payment-gateway/internal/services"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func openLedger(cfg *config.Config) (*repository.TransactionRepository, error) {
	db, err := pg.CreateReadWrite(cfg.ReadDB(), cfg.WriteDB(), false)
	if err != nil {
		return nil, fmt.Errorf("failed connecting to pg: %w", err)
	}
	return repository.NewTransactionRepository(db), nil
}

type transactionFinder interface {
	Get(ctx context.Context, id int64) (*model.Transaction, error)
	FindByReference(ctx context.Context, reference string) (*model.Transaction, error)
}

// lookupTransaction treats a numeric key as a ledger id and anything else as a
// payment reference.
func lookupTransaction(ctx context.Context, ledger transactionFinder, key string) (*model.Transaction, error) {
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		return ledger.Get(ctx, id)
	}
	txn, err := ledger.FindByReference(ctx, key)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, repository.ErrTransactionNotFound
	}
	return txn, nil
}

func showCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show [id|reference]",
		Short: "Print one donation by ledger id or reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ledger, err := openLedger(cfg)
			if err != nil {
				return err
			}

			txn, err := lookupTransaction(cmd.Context(), ledger, args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return printTransactions(cmd.OutOrStdout(), []*model.Transaction{txn}, asJSON)
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func settledCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "settled",
		Short: "List settled donations in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ledger, err := openLedger(cfg)
			if err != nil {
				return err
			}

			txns, err := ledger.ListSettled(cmd.Context())
			if err != nil {
				return err
			}
			return printTransactions(cmd.OutOrStdout(), txns, asJSON)
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func pendingCmd() *cobra.Command {
	var (
		asJSON    bool
		olderThan time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List donations still waiting for settlement",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ledger, err := openLedger(cfg)
			if err != nil {
				return err
			}

			txns, err := ledger.ListUnsettled(cmd.Context(), time.Now().Add(-olderThan), limit)
			if err != nil {
				return err
			}
			return printTransactions(cmd.OutOrStdout(), txns, asJSON)
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only records created at least this long ago")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum rows")
	return cmd
}

func verifyCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "verify [reference]",
		Short: "Check a reference with the processor and settle it when paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ledger, err := openLedger(cfg)
			if err != nil {
				return err
			}
			client, err := gateway.NewClient(cfg.Gateway())
			if err != nil {
				return err
			}
			defer client.Close()

			svc := services.NewPaymentService(ledger, client, reference.NewUUIDGenerator(cfg.ReferencePrefix), cfg.PaymentCurrency)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, err := svc.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			if res.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s settled\n", res.Transaction.Reference)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already settled\n", res.Transaction.Reference)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for the check")
	return cmd
}

func printTransactions(w io.Writer, txns []*model.Transaction, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(txns)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REFERENCE\tPAYER\tEMAIL\tAMOUNT\tSETTLED\tCREATED")
	total := decimal.Zero
	for _, t := range txns {
		settledAt := "-"
		if t.SettledAt != nil {
			settledAt = t.SettledAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d %s\t%s\t%s\n",
			t.Reference, t.PayerName, t.PayerEmail, t.Amount, t.Currency,
			settledAt, t.CreatedAt.UTC().Format(time.RFC3339))
		total = total.Add(decimal.NewFromInt(t.Amount))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d records, total %s\n", len(txns), total.String())
	return err
}
