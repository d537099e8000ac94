package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/valarpay/wizard-service/internal/catalog"
	"github.com/valarpay/wizard-service/internal/config"
	"github.com/valarpay/wizard-service/internal/flows"
	"github.com/valarpay/wizard-service/internal/logging"
	"github.com/valarpay/wizard-service/internal/wizard"
	"github.com/valarpay/wizard-service/pkg/backendclient"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     "wizardctl",
		Short:   "wizardctl - drive ValarPay wizards from a terminal",
		Version: Version,
	}
	rootCmd.PersistentFlags().String("config-dir", ".", "Directory holding an optional .env")

	rootCmd.AddCommand(flowsCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type env struct {
	cfg      config.Config
	backend  *backendclient.Client
	registry *flows.Registry
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	dir, _ := cmd.Flags().GetString("config-dir")
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	backend := backendclient.NewClient(cfg.BackendBaseURL, cfg.BackendAPIKey, cfg.BackendTimeout()).WithLogger(logger)
	registry, err := flows.NewRegistry(backend, cat)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, backend: backend, registry: registry}, nil
}

func flowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "List the available wizards and their steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			descs := e.registry.List()

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(descs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FLOW\tTITLE\tSTEPS\tPARAMS")
			for _, d := range descs {
				steps := make([]string, 0, len(d.Steps))
				for _, s := range d.Steps {
					steps = append(steps, string(s))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Title, strings.Join(steps, " > "), strings.Join(d.Params, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flow]",
		Short: "Run a wizard end to end against the backend",
		Long: `Run opens a wizard session in process, enters every --set value on its step,
advances through the flow and submits it with --pin. Values are entered in the
order given, so verification runs as soon as its inputs are complete.

Example:
  wizardctl run send_money --set transferType=valarpay --set accountNumber=0123456789 \
    --set amount=5000 --pin 1234`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			flow, ok := e.registry.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown flow %q; see wizardctl flows", args[0])
			}

			rawParams, _ := cmd.Flags().GetStringArray("param")
			rawSets, _ := cmd.Flags().GetStringArray("set")
			pin, _ := cmd.Flags().GetString("pin")
			token, _ := cmd.Flags().GetString("token")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			params, err := parsePairs(rawParams)
			if err != nil {
				return err
			}
			values, err := parsePairs(rawSets)
			if err != nil {
				return err
			}
			if !dryRun && pin == "" {
				return fmt.Errorf("--pin is required unless --dry-run is set")
			}

			ctx := backendclient.WithToken(context.Background(), token)
			paramFields := wizard.Fields{}
			for _, p := range params {
				paramFields[p.key] = p.value
			}
			sess, err := flow.Open("", paramFields)
			if err != nil {
				return err
			}
			return drive(ctx, sess, flow.Describe(), values, pin, dryRun, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringArray("param", nil, "Flow parameter as key=value (repeatable)")
	cmd.Flags().StringArrayP("set", "s", nil, "Field value as key=value (repeatable)")
	cmd.Flags().String("pin", "", "Transaction PIN used to submit")
	cmd.Flags().String("token", os.Getenv("VALARPAY_TOKEN"), "Bearer token of the signed-in user")
	cmd.Flags().Bool("dry-run", false, "Stop at the confirmation step without submitting")
	return cmd
}
