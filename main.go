package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "mailsync/cmd/api"
	"mailsync/internal/mailbox/delivery"
	"mailsync/pkg/config"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Mailbox integration service with automatic replies",
	Long: `mailsync polls connected mailboxes, classifies new unread mail and
answers the messages that need a reply.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control surface and poll every active mailbox",
	RunE:  runServe,
}

var processNowCmd = &cobra.Command{
	Use:   "process-now <account>",
	Short: "Process new mail of one mailbox once and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcessNow,
}

var statusCmd = &cobra.Command{
	Use:   "status <account>",
	Short: "Print credential and polling state of a mailbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token",
	Short: "Issue a bearer token for the control surface",
	RunE:  runIssueToken,
}

var (
	shutdownTimeoutFlag time.Duration
	subjectFlag         string
	mailboxesFlag       []string
	ttlFlag             time.Duration
)

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeoutFlag, "shutdown-timeout", 30*time.Second, "How long to wait for in-flight work on shutdown")

	issueTokenCmd.Flags().StringVar(&subjectFlag, "subject", "operator", "Token subject")
	issueTokenCmd.Flags().StringSliceVar(&mailboxesFlag, "mailbox", []string{delivery.AllMailboxes}, "Mailbox the token may control (repeatable, * for all)")
	issueTokenCmd.Flags().DurationVar(&ttlFlag, "ttl", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(serveCmd, processNowCmd, statusCmd, issueTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	app, err := api.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	app.Run(ctx)

	serveErr := api.NewHandler(app).Start(ctx, ":"+cfg.Port, shutdownTimeoutFlag)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutFlag)
	defer cancel()
	if err := app.Close(closeCtx); err != nil {
		log.Printf("Shutdown finished with errors: %v", err)
	}
	return serveErr
}

func runProcessNow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := api.NewApp(ctx, config.Load())
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	processed, err := app.Sync.ProcessNow(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, processed)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := api.NewApp(ctx, config.Load())
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	status, err := app.Sync.Status(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, status)
}

func runIssueToken(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	token, err := delivery.NewJWTAuth(cfg.JWTSecret).IssueToken(subjectFlag, mailboxesFlag, ttlFlag)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
