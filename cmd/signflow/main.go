package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dharsanguruparan/SignFlow/internal/app"
	"github.com/dharsanguruparan/SignFlow/internal/audit"
	"github.com/dharsanguruparan/SignFlow/internal/config"
	"github.com/dharsanguruparan/SignFlow/internal/database"
	"github.com/dharsanguruparan/SignFlow/internal/execution"
	"github.com/dharsanguruparan/SignFlow/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "signflow: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signflow",
		Short: "SignFlow operator CLI",
		Long: `signflow prepares and inspects multi-party document cases: it applies the schema,
seeds templates and signers from a case file, shows instance status and the audit trail,
and can act as a signer for testing.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("database-url", "", "Postgres DSN (SIGNFLOW_DATABASE_URL)")
	cmd.PersistentFlags().String("s3-endpoint", "", "MinIO/S3 endpoint (SIGNFLOW_S3_ENDPOINT)")
	cmd.PersistentFlags().String("redis-addr", "", "Redis address (SIGNFLOW_REDIS_ADDR)")
	cmd.PersistentFlags().Bool("json", false, "output JSON")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "s3.endpoint", "s3-endpoint")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "json", "json")

	cmd.AddCommand(
		newMigrateCmd(),
		newSeedCmd(),
		newStatusCmd(),
		newSubmitCmd(),
		newSignCmd(),
	)
	return cmd
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	_ = viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag))
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a template, an instance and its signers from a case file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			c, err := parseCase(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s := seeder{
					store:   a.Store,
					blob:    a.Blob,
					tokens:  a.Tokens,
					ttl:     a.Config.TokenTTL,
					now:     time.Now,
					baseDir: filepath.Dir(file),
				}
				res, err := s.seed(ctx, c)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd, seedOutput(res))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "instance %s created from template %s\n", res.Instance.ID, res.Instance.TemplateID)
				tw := newTable(cmd)
				tw.AppendHeader(table.Row{"Order", "Signer", "Email", "Token", "Expires"})
				for _, s := range res.Signers {
					tw.AppendRow(table.Row{s.SigningOrder, s.Name, s.Email, s.AccessToken, s.TokenExpiresAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "case file (YAML)")
	return cmd
}

// seedOutput exposes the tokens, which model.Signer hides from JSON.
func seedOutput(res *seeded) map[string]any {
	signers := make([]map[string]any, 0, len(res.Signers))
	for _, s := range res.Signers {
		signers = append(signers, map[string]any{
			"id":             s.ID,
			"name":           s.Name,
			"email":          s.Email,
			"signingOrder":   s.SigningOrder,
			"accessToken":    s.AccessToken,
			"tokenExpiresAt": s.TokenExpiresAt,
		})
	}
	return map[string]any{"instance": res.Instance, "signers": signers}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance>",
		Short: "Show an instance, its signers and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				inst, err := a.Store.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				signers, err := a.Store.ListSigners(ctx, inst.ID)
				if err != nil {
					return err
				}
				entries, err := audit.Log{Sink: a.Store}.History(ctx, inst.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd, map[string]any{"instance": inst, "signers": signers, "audit": entries})
				}
				renderStatus(cmd, inst, signers, entries)
				return nil
			})
		},
	}
}

func renderStatus(cmd *cobra.Command, inst *model.DocumentInstance, signers []model.Signer, entries []model.AuditEntry) {
	tw := newTable(cmd)
	tw.SetTitle("Instance " + inst.ID)
	tw.AppendHeader(table.Row{"Template", "Status", "Version", "Merged", "Preview"})
	version := ""
	if inst.ArtifactVersion != nil {
		version = inst.ArtifactVersion.Format(time.RFC3339Nano)
	}
	tw.AppendRow(table.Row{inst.TemplateID, inst.Status, version, deref(inst.MergedArtifactURL), deref(inst.PreviewArtifactURL)})
	tw.Render()

	tw = newTable(cmd)
	tw.SetTitle("Signers")
	tw.AppendHeader(table.Row{"Order", "Name", "Email", "Status", "Signed At"})
	for _, s := range signers {
		signedAt := ""
		if s.SignedAt != nil {
			signedAt = s.SignedAt.Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{s.SigningOrder, s.Name, s.Email, s.Status, signedAt})
	}
	tw.Render()

	tw = newTable(cmd)
	tw.SetTitle("Audit")
	tw.AppendHeader(table.Row{"Time", "Action", "Actor", "Details"})
	for _, e := range entries {
		details, _ := json.Marshal(e.Details)
		tw.AppendRow(table.Row{e.CreatedAt.Format(time.RFC3339), e.Action, e.Actor, string(details)})
	}
	tw.Render()
}

func newSubmitCmd() *cobra.Command {
	var token, file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit form values as a signer and generate the document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" || file == "" {
				return fmt.Errorf("--token and --file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			// YAML is a superset of JSON, so either works here
			var submission model.Submission
			if err := yaml.Unmarshal(data, &submission); err != nil {
				return fmt.Errorf("parse submission: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Service.SubmitFormAndGenerate(ctx, token, submission)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd, res)
				}
				printSubmit(cmd, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "signer access token")
	cmd.Flags().StringVarP(&file, "file", "f", "", "submission values (YAML or JSON)")
	return cmd
}

func printSubmit(cmd *cobra.Command, res *execution.SubmitResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "instance %s is %s\n", res.InstanceID, res.Status)
	fmt.Fprintf(out, "merged:  %s\n", res.MergedArtifactURL)
	if res.PreviewArtifactURL != nil {
		fmt.Fprintf(out, "preview: %s\n", *res.PreviewArtifactURL)
	} else if res.PreviewError != nil {
		fmt.Fprintf(out, "preview unavailable: %s (%s)\n", res.PreviewError.Message, res.PreviewError.Code)
	}
	if len(res.Warnings) > 0 {
		var names []string
		for _, w := range res.Warnings {
			names = append(names, w.Placeholder)
		}
		fmt.Fprintf(out, "unresolved: %s\n", strings.Join(names, ", "))
	}
}

func newSignCmd() *cobra.Command {
	var token, image string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign as the token holder with a signature image",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" || image == "" {
				return fmt.Errorf("--token and --image required")
			}
			data, err := os.ReadFile(image)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Service.SignDocument(ctx, token, execution.SignatureImage{Data: data})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "signer %s %s, instance %s is %s\n", res.SignerID, res.SignerStatus, res.InstanceID, res.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "signer access token")
	cmd.Flags().StringVar(&image, "image", "", "signature image file (PNG or JPEG)")
	return cmd
}

func newTable(cmd *cobra.Command) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	return tw
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
