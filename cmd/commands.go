package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/osa-gateway/internal/auth"
	"github.com/sells-group/osa-gateway/internal/model"
)

var (
	contentForce   bool
	contentEnhance bool
	healthLookback int
	rollbackTarget int
	rollbackActor  string
	warmConc       int
	tokenService   string
	tokenRole      string
	tokenTTL       time.Duration
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withServices builds the content stack for a one-shot command and drains
// it afterwards so queued audit records reach their sinks.
func withServices(ctx context.Context, fn func(*services) error) error {
	svc, err := initServices(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		svc.Close(closeCtx)
	}()
	return fn(svc)
}

var contentCmd = &cobra.Command{
	Use:   "content <page-id> <widget-id>",
	Short: "Resolve and print content for one widget",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(svc *services) error {
			if cmd.Flags().Changed("enhance") {
				svc.Orchestrator.SetEnhancementEnabled(contentEnhance)
			}
			cs := svc.Pipeline.Get(cmd.Context(), args[0], args[1], model.RequestContext{
				UserID:       "cli",
				ForceRefresh: contentForce,
			})
			return printJSON(cmd.OutOrStdout(), cs)
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print per-page gate health from the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(svc *services) error {
			hours := healthLookback
			if hours <= 0 {
				hours = cfg.Monitoring.LookbackWindowHours
			}
			h, err := svc.Pipeline.SystemHealth(cmd.Context(), time.Duration(hours)*time.Hour)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <audit-id>",
	Short: "Restore an earlier version of an agent output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(svc *services) error {
			out, err := svc.Pipeline.Rollback(cmd.Context(), args[0], rollbackTarget, rollbackActor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		})
	},
}

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Refresh the cache for warm-marked pages once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(svc *services) error {
			conc := warmConc
			if conc <= 0 {
				conc = cfg.Cache.WarmConcurrency
			}
			res, err := svc.Pipeline.Warm(cmd.Context(), conc)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Sign a gateway bearer token",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		signer := auth.NewSigner(auth.StaticSecret(cfg.Auth.JWTSecret), time.Duration(cfg.Auth.TokenTTL)*time.Minute)

		var (
			token string
			err   error
		)
		switch {
		case tokenService != "":
			token, err = signer.GenerateService(tokenService)
		case len(args) == 1:
			token, err = signer.Generate(args[0], auth.GenerateOptions{Role: tokenRole, TTL: tokenTTL})
		default:
			return eris.New("token: pass a user id or --service")
		}
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	contentCmd.Flags().BoolVar(&contentForce, "force", false, "bypass the content cache")
	contentCmd.Flags().BoolVar(&contentEnhance, "enhance", false, "override pipeline.enhancement_enabled for this run")
	healthCmd.Flags().IntVar(&healthLookback, "lookback-hours", 0, "audit window in hours (default from config)")
	rollbackCmd.Flags().IntVar(&rollbackTarget, "to-version", 0, "version to restore (default: the previous one)")
	rollbackCmd.Flags().StringVar(&rollbackActor, "actor", "cli", "actor recorded in the audit trail")
	warmCmd.Flags().IntVar(&warmConc, "concurrency", 0, "parallel refreshes (default from config)")
	tokenCmd.Flags().StringVar(&tokenService, "service", "", "issue a one-hour service token for this name")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "role claim for user tokens")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default from config)")

	rootCmd.AddCommand(contentCmd, healthCmd, rollbackCmd, warmCmd, tokenCmd)
}
