package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/ddosguard/internal/auth"
	"github.com/jmerrifield20/ddosguard/pkg/client"
)

var (
	adminToken  string
	adminSecret string
)

func init() {
	for _, cmd := range []*cobra.Command{tokenCmd, detectionsCmd, reloadCmd, historyCmd} {
		cmd.Flags().StringVar(&adminToken, "token", "", "Admin bearer token (or DDOSCTL_TOKEN)")
		cmd.Flags().StringVar(&adminSecret, "secret", "", "Operator secret exchanged for a token (or DDOSCTL_SECRET)")
	}
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(historyCmd)
}

// adminClient returns a client authorised for admin endpoints, exchanging
// the operator secret for a token when no token is configured.
func adminClient(ctx context.Context) (*client.Client, error) {
	if err := requireServer(); err != nil {
		return nil, err
	}
	token := firstNonEmpty(adminToken, viper.GetString("token"))
	c, err := client.New(serverURL, client.WithBearerToken(token))
	if err != nil {
		return nil, err
	}
	if token != "" {
		return c, nil
	}
	secret := firstNonEmpty(adminSecret, viper.GetString("secret"))
	if secret == "" {
		return nil, errors.New("admin access needs --token or --secret")
	}
	if _, _, err := c.AdminToken(ctx, secret); err != nil {
		return nil, fmt.Errorf("obtain admin token: %w", err)
	}
	return c, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Exchange the operator secret for an admin token",
	Long: `token prints an admin bearer token issued by the server. Export it as
DDOSCTL_TOKEN to reuse it:

  export DDOSCTL_TOKEN=$(ddosctl token --server http://localhost:8080 --secret ...)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireServer(); err != nil {
			return err
		}
		secret := firstNonEmpty(adminSecret, viper.GetString("secret"))
		if secret == "" {
			return errors.New("--secret is required")
		}
		c, err := client.New(serverURL)
		if err != nil {
			return err
		}
		token, expires, err := c.AdminToken(cmd.Context(), secret)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"token":      token,
				"token_type": "Bearer",
				"expires_at": expires,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Local().Format(time.RFC1123))
		return nil
	},
}

var tokenHashCmd = &cobra.Command{
	Use:   "hash <secret>",
	Short: "Print a bcrypt hash of an operator secret for auth.admin_secret_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashSecret(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenHashCmd)
}

// ── detections ───────────────────────────────────────────────────────────────

var (
	detLimit    int
	detOffset   int
	detDDoSOnly bool
	detSince    time.Duration
	detIP       string
	detStats    bool
)

var detectionsCmd = &cobra.Command{
	Use:   "detections",
	Short: "List the server's detection log, or aggregate it with --stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := adminClient(ctx)
		if err != nil {
			return err
		}
		var since time.Time
		if detSince > 0 {
			since = time.Now().Add(-detSince)
		}
		out := cmd.OutOrStdout()

		if detStats {
			st, err := c.DetectionStats(ctx, since)
			if err != nil {
				return fmt.Errorf("detection stats: %w", err)
			}
			if outputFormat == "json" {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "Since:    %s\n", st.Since.Local().Format(time.RFC1123))
			fmt.Fprintf(out, "Total:    %d\n", st.Total)
			fmt.Fprintf(out, "DDoS:     %d\n", st.DDoS)
			fmt.Fprintf(out, "Blocked:  %d\n", st.Blocked)
			if len(st.ByTier) > 0 {
				fmt.Fprintln(out, "By risk level:")
				printCounts(out, st.ByTier)
			}
			return nil
		}

		list, err := c.Detections(ctx, client.DetectionFilter{
			Limit:    detLimit,
			Offset:   detOffset,
			DDoSOnly: detDDoSOnly,
			Since:    since,
			IP:       detIP,
		})
		if err != nil {
			return fmt.Errorf("detections: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(out, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "no detections")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tIP\tDDOS\tCONFIDENCE\tRISK\tBLOCKED\tPATH")
		for _, d := range list {
			path, _ := d.Features["url_path"].(string)
			fmt.Fprintf(w, "%s\t%s\t%t\t%.4f\t%s\t%t\t%s\n",
				d.Timestamp.Local().Format(time.DateTime), d.IP, d.IsDDoS, d.Confidence, d.RiskLevel, d.Blocked, path)
		}
		return w.Flush()
	},
}

func init() {
	f := detectionsCmd.Flags()
	f.IntVar(&detLimit, "limit", 50, "Maximum rows")
	f.IntVar(&detOffset, "offset", 0, "Rows to skip")
	f.BoolVar(&detDDoSOnly, "ddos-only", false, "Only requests classified as DDoS")
	f.DurationVar(&detSince, "since", 0, "Only detections newer than this (e.g. 1h)")
	f.StringVar(&detIP, "ip", "", "Only this source IP")
	f.BoolVar(&detStats, "stats", false, "Print aggregate counts instead of rows")
}

// ── reload ───────────────────────────────────────────────────────────────────

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the server to reload its model artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd.Context())
		if err != nil {
			return err
		}
		info, err := c.ReloadModel(cmd.Context())
		if err != nil {
			return fmt.Errorf("reload: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), info)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Serving model %s (%s, threshold %.4f)\n", info.ID, info.Kind, info.Threshold)
		return nil
	},
}

// ── history ──────────────────────────────────────────────────────────────────

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the server's model deployment history",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd.Context())
		if err != nil {
			return err
		}
		h, err := c.ModelHistory(cmd.Context(), historyLimit)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			return printJSON(out, h)
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tTIME\tACTION\tACTOR\tMODEL\tDETAIL")
		for _, e := range h.Entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.Index, e.Timestamp.Local().Format(time.DateTime), e.Action, e.Actor, e.ModelID, e.Detail)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if !h.Verified {
			return fmt.Errorf("history chain failed verification: %s", h.VerifyError)
		}
		fmt.Fprintf(out, "\nchain verified, root %s\n", h.Root)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries")
}
