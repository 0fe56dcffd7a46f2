package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mverril/mailgate/internal/app"
	"github.com/mverril/mailgate/internal/config"
	"github.com/mverril/mailgate/internal/ticket"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailgate",
	Short: "Mailgate - mail action gateway",
	Long:  `Mailgate serves the one-click action links embedded in mail notifications.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the action gateway",
	Long:  `Start the Mailgate HTTP server and, if configured, the metrics endpoint.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Ticket commands",
}

var ticketMintCmd = &cobra.Command{
	Use:   "mint <operator> [args...]",
	Short: "Mint an action ticket",
	Long: `Mint an action ticket with the configured key. Arguments keep their
shape markers, e.g.:

  mailgate -c config.yaml ticket mint white sender@a.example '>user@b.example'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTicketMint,
}

var ticketInspectCmd = &cobra.Command{
	Use:   "inspect <token>",
	Short: "Decode a ticket and print its contents",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketInspect,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailgate version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	ticketCmd.AddCommand(ticketMintCmd, ticketInspectCmd)
	rootCmd.AddCommand(serveCmd, configCmd, ticketCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Ticket window: %s\n", cfg.Ticket.Window)
	fmt.Printf("  Lists: %s\n", cfg.Storage.ListsPath)
	fmt.Printf("  Queries: %s\n", cfg.Storage.QueryDBPath)
	fmt.Printf("  Mail enabled: %t\n", cfg.Mail.Enabled)

	return nil
}

func runTicketMint(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	op := ticket.Operator(args[0])
	if !ticket.KnownOperator(op) {
		return fmt.Errorf("unknown operator %q", args[0])
	}

	codec, err := ticket.NewCodec(cfg.TicketKey(), cfg.Ticket.Window)
	if err != nil {
		return err
	}

	token, err := codec.Encode(ticket.Command{Op: op, Args: args[1:]}, time.Now())
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

func runTicketInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	codec, err := ticket.NewCodec(cfg.TicketKey(), cfg.Ticket.Window)
	if err != nil {
		return err
	}

	tkt, err := codec.Decode(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("operator: %s\n", tkt.Op)
	fmt.Printf("issued:   %s\n", tkt.IssuedAt.Format(time.RFC3339))
	fmt.Printf("args:     %s\n", strings.Join(tkt.Args, " "))

	return nil
}
