package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"gwi.com/form-insights/internal/app"
	"gwi.com/form-insights/internal/forms"
	"gwi.com/form-insights/internal/settings"
	"gwi.com/form-insights/internal/store"
)

func newCredentialCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the encrypted inference API key",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <api-key>",
		Short: "Encrypt and store the API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.TrimSpace(args[0])
			if key == "" {
				return errors.New("api key must not be empty")
			}
			return withApp(open, func(a *app.App) error {
				if err := a.Vault.SaveCredential(cmd.Context(), key); err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), true, "API key saved")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether an API key is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(a *app.App) error {
				out := cmd.OutOrStdout()
				printResult(out, a.Vault.Configured(), "AUTH_KEY/AUTH_SALT configured")
				if !a.Vault.HasCredential(cmd.Context()) {
					printResult(out, false, "API key not stored")
					return nil
				}
				_, readable := a.Vault.GetCredential(cmd.Context())
				printResult(out, readable, "API key stored (decryptable: %t)", readable)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the stored API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(a *app.App) error {
				deleted, err := a.Vault.DeleteCredential(cmd.Context())
				if err != nil {
					return err
				}
				if !deleted {
					fmt.Fprintln(cmd.OutOrStdout(), warnText("No API key was stored"))
					return nil
				}
				printResult(cmd.OutOrStdout(), true, "API key deleted")
				return nil
			})
		},
	})
	return cmd
}

func newTestConnectionCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection",
		Short: "Send a probe message to the configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(a *app.App) error {
				res := a.Client.TestConnection(cmd.Context())
				if !res.OK {
					printResult(cmd.OutOrStdout(), false, "Connection failed: %s", res.Error)
					return errors.New(res.Error)
				}
				printResult(cmd.OutOrStdout(), true, "Connection successful")
				fmt.Fprintln(cmd.OutOrStdout(), res.Text)
				return nil
			})
		},
	}
}

func newAnalyzeCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <entry-id>",
		Short: "Run (or re-run) the analysis of a stored entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			return withApp(open, func(a *app.App) error {
				out := a.Analysis.AnalyzeByID(cmd.Context(), entryID)
				if !out.OK {
					printResult(cmd.OutOrStdout(), false, "Entry %d: %s", entryID, out.Error)
					return errors.New(out.Error)
				}
				printResult(cmd.OutOrStdout(), true, "Entry %d analyzed", entryID)
				fmt.Fprintln(cmd.OutOrStdout(), out.Text)
				return nil
			})
		},
	}
}

func newLogsCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect the API audit log",
	}

	var page, perPage int
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit rows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if page < 1 || perPage < 1 {
				return errors.New("page and per-page must be positive")
			}
			return withApp(open, func(a *app.App) error {
				total, err := a.Store.CountLogs(cmd.Context())
				if err != nil {
					return err
				}
				rows, err := a.Store.ListLogs(cmd.Context(), perPage, (page-1)*perPage)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s (page %d, %d total)\n", bold("Audit log"), page, total)
				for _, row := range rows {
					status := okMark
					if row.Status != store.LogStatusSuccess {
						status = failMark
					}
					fmt.Fprintf(out, "%s #%d  %s  form=%d entry=%d  %s\n",
						status, row.ID, forms.FormatDate(row.CreatedAt), row.FormID, row.EntryID, row.ErrorMessage)
				}
				return nil
			})
		},
	}
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().IntVar(&perPage, "per-page", 20, "rows per page")

	show := &cobra.Command{
		Use:   "show <log-id>",
		Short: "Show one audit row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid log id %q", args[0])
			}
			return withApp(open, func(a *app.App) error {
				row, err := a.Store.GetLog(cmd.Context(), id)
				if err != nil {
					return err
				}
				if row == nil {
					return fmt.Errorf("log %d not found", id)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %d\n", bold("Log"), row.ID)
				fmt.Fprintf(out, "Request ID: %s\nStatus:     %s\nForm:       %d\nEntry:      %d\nCreated:    %s\n",
					row.RequestID, row.Status, row.FormID, row.EntryID, forms.FormatDate(row.CreatedAt))
				if row.ErrorMessage != "" {
					fmt.Fprintf(out, "Error:      %s\n", row.ErrorMessage)
				}
				fmt.Fprintf(out, "\n%s\n%s\n", bold("Request"), row.Request)
				if row.Response != "" {
					fmt.Fprintf(out, "\n%s\n%s\n", bold("Response"), row.Response)
				}
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every audit row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(a *app.App) error {
				if err := a.Store.TruncateLogs(cmd.Context()); err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), true, "Audit log cleared")
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, clearCmd)
	return cmd
}

// importFile is the YAML layout read by "forms import".
type importFile struct {
	Forms   []forms.Form  `yaml:"forms"`
	Entries []importEntry `yaml:"entries"`
}

type importEntry struct {
	FormID    int64                  `yaml:"form_id"`
	CreatedAt time.Time              `yaml:"created_at"`
	Values    map[string]forms.Value `yaml:"values"`
}

func newFormsCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forms",
		Short: "Manage form schemas",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or replace forms (and optionally entries) from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			var file importFile
			if err := yaml.Unmarshal(raw, &file); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}
			if len(file.Forms) == 0 && len(file.Entries) == 0 {
				return errors.New("file defines no forms or entries")
			}

			return withApp(open, func(a *app.App) error {
				out := cmd.OutOrStdout()
				for i := range file.Forms {
					f := &file.Forms[i]
					if f.ID <= 0 {
						return fmt.Errorf("form %q has no id", f.Title)
					}
					if err := a.Store.SaveForm(cmd.Context(), f); err != nil {
						return err
					}
					printResult(out, true, "Form %d %q (%d fields, %d analyzable)",
						f.ID, f.Title, len(f.Fields), len(forms.AnalyzableFieldIDs(f)))
				}
				for _, e := range file.Entries {
					entry := &forms.Entry{FormID: e.FormID, CreatedAt: e.CreatedAt, Values: e.Values}
					if entry.Values == nil {
						entry.Values = map[string]forms.Value{}
					}
					if err := a.Store.CreateEntry(cmd.Context(), entry); err != nil {
						return err
					}
					printResult(out, true, "Entry %d for form %d", entry.ID, entry.FormID)
				}
				return nil
			})
		},
	})
	return cmd
}

func newSettingsCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect pipeline settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show [form-id]",
		Short: "Print the global settings, or the overrides of one form",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(a *app.App) error {
				out := cmd.OutOrStdout()
				g, err := a.Settings.Global(cmd.Context())
				if err != nil {
					return err
				}
				if len(args) == 0 {
					fmt.Fprintln(out, bold("Global settings"))
					fmt.Fprintf(out, "  enabled:            %t\n", g.Enabled)
					fmt.Fprintf(out, "  provider:           %s\n", g.Provider)
					fmt.Fprintf(out, "  model:              %s\n", g.Model)
					fmt.Fprintf(out, "  max_tokens:         %d\n", g.MaxTokens)
					fmt.Fprintf(out, "  temperature:        %g\n", g.Temperature)
					fmt.Fprintf(out, "  rate_limit_seconds: %d\n", int(g.RateLimit/time.Second))
					fmt.Fprintf(out, "  logging_enabled:    %t\n", g.LoggingEnabled)
					fmt.Fprintf(out, "  log_retention_days: %d\n", g.LogRetentionDays)
					fmt.Fprintf(out, "  api key stored:     %t\n", a.Vault.HasCredential(cmd.Context()))
					return nil
				}

				formID, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid form id %q", args[0])
				}
				o, err := a.Settings.FormOverrides(cmd.Context(), formID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %d\n", bold("Form"), formID)
				fmt.Fprintf(out, "  enabled:  %s\n", describeOverride(o.Enabled, g.Enabled))
				if len(o.FieldIDs) == 0 {
					fmt.Fprintln(out, "  fields:   auto")
				} else {
					fmt.Fprintf(out, "  fields:   %v\n", o.FieldIDs)
				}
				if o.Prompt == "" {
					fmt.Fprintln(out, "  prompt:   (global default)")
				} else {
					fmt.Fprintf(out, "  prompt:   %s\n", o.Prompt)
				}
				return nil
			})
		},
	})
	return cmd
}

func describeOverride(o settings.OptionalBool, global bool) string {
	if !o.Set {
		return fmt.Sprintf("%t (inherited)", global)
	}
	return strconv.FormatBool(o.Value)
}

func newPurgeCmd(open Opener) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete all settings, the API key, audit rows and stored analyses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return errors.New("refusing to purge without --yes")
			}
			return withApp(open, func(a *app.App) error {
				if err := a.Purge(cmd.Context()); err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), true, "All analysis data removed")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the purge")
	return cmd
}
