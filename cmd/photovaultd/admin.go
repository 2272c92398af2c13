package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/config"
	"github.com/MarkoPoloResearchLab/photovault/internal/generation"
	"github.com/MarkoPoloResearchLab/photovault/internal/identity"
	"github.com/MarkoPoloResearchLab/photovault/internal/metrics"
	"github.com/MarkoPoloResearchLab/photovault/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagAccount = "account"
	flagCredits = "credits"
	flagReason  = "reason"
	flagKey     = "idempotency-key"
	flagEmail   = "email"
	flagTTL     = "ttl"

	flagOpenReservations = "open-reservations"
	flagOlderThan        = "older-than"

	defaultGrantReason = "manual grant"
	defaultTokenTTL    = 24 * time.Hour
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			return withDatabase(cmd.Context(), v, func(ctx context.Context, handle *ledgerHandle) error {
				fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", handle.driver)
				return nil
			})
		},
	}
}

func newGrantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit an account, e.g. for support refunds or promotions",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			accountID, err := ledger.NewAccountID(v.GetString(flagAccount))
			if err != nil {
				return err
			}
			amount, err := ledger.NewPositiveCredits(v.GetInt64(flagCredits))
			if err != nil {
				return err
			}
			reason, err := ledger.NewReason(v.GetString(flagReason))
			if err != nil {
				return err
			}
			rawKey := strings.TrimSpace(v.GetString(flagKey))
			if rawKey == "" {
				rawKey = "grant:" + uuid.NewString()
			}
			idempotencyKey, err := ledger.NewIdempotencyKey(rawKey)
			if err != nil {
				return err
			}
			metadata, err := ledger.MetadataFromMap(map[string]any{"source": "cli"})
			if err != nil {
				return err
			}
			return withDatabase(cmd.Context(), v, func(ctx context.Context, handle *ledgerHandle) error {
				applied, err := handle.service.Credit(ctx, accountID, amount, reason, idempotencyKey, metadata)
				if err != nil {
					return err
				}
				account, err := handle.service.Balance(ctx, accountID)
				if err != nil {
					return err
				}
				if !applied {
					fmt.Fprintf(cmd.OutOrStdout(), "grant %s already applied; balance %d\n", rawKey, account.Credits())
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %s; balance %d\n", amount, accountID, account.Credits())
				return nil
			})
		},
	}
	cmd.Flags().String(flagAccount, "", "account id (required)")
	cmd.Flags().Int64(flagCredits, 0, "credits to add (required)")
	cmd.Flags().String(flagReason, defaultGrantReason, "ledger entry reason")
	cmd.Flags().String(flagKey, "", "idempotency key; repeat it to make retries safe")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check an account balance against its ledger entries, or close abandoned reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			if v.GetBool(flagOpenReservations) {
				return withDatabase(cmd.Context(), v, func(ctx context.Context, handle *ledgerHandle) error {
					recovery, err := generation.NewRecovery(handle.service, handle.photoSets, handle.logger.Named("recovery"), v.GetDuration(flagOlderThan))
					if err != nil {
						return err
					}
					report, err := recovery.Sweep(ctx)
					fmt.Fprintf(cmd.OutOrStdout(), "examined %d open reservations: %d settled, %d refunded, %d failed; %d credits returned\n",
						report.Examined, report.Settled, report.Refunded, report.Failed, report.RefundedCredits)
					return err
				})
			}
			accountID, err := ledger.NewAccountID(v.GetString(flagAccount))
			if err != nil {
				return err
			}
			return withDatabase(cmd.Context(), v, func(ctx context.Context, handle *ledgerHandle) error {
				account, err := handle.service.Reconcile(ctx, accountID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s balanced at %d credits\n", accountID, account.Credits())
				return nil
			})
		},
	}
	cmd.Flags().String(flagAccount, "", "account id (required unless --open-reservations)")
	cmd.Flags().Bool(flagOpenReservations, false, "settle or refund reservations left open by interrupted requests")
	cmd.Flags().Duration(flagOlderThan, generation.DefaultRecoveryAge, "only close reservations older than this")
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an account, for local development and support",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			verifier, err := identity.NewVerifier(identity.Config{
				SigningKey: v.GetString(flagJWTSigningKey),
				Issuer:     v.GetString(flagJWTIssuer),
			})
			if err != nil {
				return err
			}
			accountID, err := ledger.NewAccountID(v.GetString(flagAccount))
			if err != nil {
				return err
			}
			token, err := verifier.Issue(accountID, v.GetString(flagEmail), v.GetDuration(flagTTL))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String(flagAccount, "", "account id (required)")
	cmd.Flags().String(flagEmail, "", "email claim")
	cmd.Flags().Duration(flagTTL, defaultTokenTTL, "token lifetime")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 session signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "session issuer (default tauth)")
	return cmd
}

type ledgerHandle struct {
	service   *ledger.Service
	photoSets *gormstore.PhotoSetStore
	logger    *zap.Logger
	driver    string
}

// withDatabase opens and migrates the database, runs fn, and closes the connection.
func withDatabase(ctx context.Context, v *viper.Viper, fn func(ctx context.Context, handle *ledgerHandle) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	databaseURL := strings.TrimSpace(v.GetString(flagDatabaseURL))
	if databaseURL == "" {
		databaseURL = config.DefaultDatabaseURL()
	}
	gormDB, closeDB, driver, err := gormstore.Open(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeDB() }()
	if err := gormstore.Migrate(gormDB); err != nil {
		return err
	}
	service, err := ledger.NewService(gormstore.New(gormDB), func() int64 { return time.Now().UTC().Unix() },
		ledger.WithOperationLogger(metrics.NewOperationLogger(logger.Named("ledger"), nil)),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	return fn(ctx, &ledgerHandle{service: service, photoSets: gormstore.NewPhotoSetStore(gormDB), logger: logger, driver: driver})
}
