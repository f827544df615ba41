package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/pixell/agent-billing/pkg/auth"
	"github.com/pixell/agent-billing/pkg/enums"
)

func newReconcileCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile every subscription against Stripe once and print the result",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			rt, err := bootstrap(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, rt.Close()) }()

			result, err := rt.services.Reconcile.Run(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.Errors > 0 {
				return fmt.Errorf("%d of %d subscriptions failed to reconcile", result.Errors, result.Total)
			}
			return nil
		},
	}
}

func newTokenCmd(load configLoader) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint tokens for internal callers",
	}

	var service string
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Mint a service token for the billing API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			now := time.Now().UTC()
			token, err := auth.MintServiceToken(cfg.ServiceAuth, now, service)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"service":   service,
				"token":     token,
				"expiresAt": now.Add(cfg.ServiceAuth.TTL),
			})
		},
	}
	serviceCmd.Flags().StringVar(&service, "name", "", "calling service name (required)")
	_ = serviceCmd.MarkFlagRequired("name")

	var rawUserID, rawOrgID, rawRole string
	accessCmd := &cobra.Command{
		Use:   "access",
		Short: "Mint a user access token for the auto-top-up settings endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := uuid.Parse(rawUserID)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			orgID, err := uuid.Parse(rawOrgID)
			if err != nil {
				return fmt.Errorf("invalid --org: %w", err)
			}
			role, err := enums.ParseMemberRole(rawRole)
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			now := time.Now().UTC()
			token, err := auth.MintAccessToken(cfg.JWT, now, auth.AccessTokenPayload{UserID: userID, OrgID: orgID, Role: role})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"userId":    userID,
				"orgId":     orgID,
				"role":      role,
				"token":     token,
				"expiresAt": now.Add(time.Duration(cfg.JWT.ExpirationMinutes) * time.Minute),
			})
		},
	}
	accessCmd.Flags().StringVar(&rawUserID, "user", "", "user id (required)")
	accessCmd.Flags().StringVar(&rawOrgID, "org", "", "organization id (required)")
	accessCmd.Flags().StringVar(&rawRole, "role", string(enums.MemberRoleOwner), "owner, admin or member")
	_ = accessCmd.MarkFlagRequired("user")
	_ = accessCmd.MarkFlagRequired("org")

	tokenCmd.AddCommand(serviceCmd, accessCmd)
	return tokenCmd
}

func newTopUpCmd(load configLoader) *cobra.Command {
	topUpCmd := &cobra.Command{
		Use:   "topup",
		Short: "Manage credit top-ups",
	}

	var (
		rawOrgID string
		credits  int64
	)
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a top-up purchase and print the PaymentIntent handle",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			orgID, err := uuid.Parse(rawOrgID)
			if err != nil {
				return fmt.Errorf("invalid --org: %w", err)
			}
			rt, err := bootstrap(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, rt.Close()) }()

			purchase, err := rt.services.Credits.StartTopUpPurchase(cmd.Context(), orgID, credits)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"purchaseId":      purchase.Purchase.ID,
				"orgId":           orgID,
				"credits":         purchase.Purchase.Credits,
				"amount":          purchase.Purchase.Amount.StringFixed(2),
				"currency":        purchase.Purchase.Currency,
				"paymentIntentId": purchase.PaymentIntentID,
				"clientSecret":    purchase.ClientSecret,
			})
		},
	}
	startCmd.Flags().StringVar(&rawOrgID, "org", "", "organization id (required)")
	startCmd.Flags().Int64Var(&credits, "credits", 0, "credits to purchase (required)")
	_ = startCmd.MarkFlagRequired("org")
	_ = startCmd.MarkFlagRequired("credits")

	topUpCmd.AddCommand(startCmd)
	return topUpCmd
}

func newOrgCmd(load configLoader) *cobra.Command {
	orgCmd := &cobra.Command{
		Use:   "org",
		Short: "Manage billing organizations",
	}

	var name string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a free-tier organization",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			rt, err := bootstrap(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, rt.Close()) }()

			org, err := rt.services.Billing.CreateOrganization(cmd.Context(), name)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":     org.ID,
				"name":   org.Name,
				"tier":   org.SubscriptionTier,
				"status": org.SubscriptionStatus,
			})
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "organization name (required)")
	_ = createCmd.MarkFlagRequired("name")

	orgCmd.AddCommand(createCmd)
	return orgCmd
}
