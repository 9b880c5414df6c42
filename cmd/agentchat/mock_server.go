package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/agentchat/internal/mockbackend"
)

var (
	mockAddr       string
	mockReplyDelay time.Duration
)

func init() {
	rootCmd.AddCommand(mockServerCmd)
	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:8000", "Listen address")
	mockServerCmd.Flags().DurationVar(&mockReplyDelay, "reply-delay", 500*time.Millisecond, "Delay before the agent answers")
}

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run an in-memory backend for local development",
	Long: "Serve the REST API and realtime channel with seeded users, an echoing agent\n" +
		"and in-memory storage. Send \"/notify <email> <text>\" to create a notification\n" +
		"and \"/fail\" to get an error reply.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(flagDebug)
		if err != nil {
			return err
		}
		defer logger.Sync()

		srv := mockbackend.New(mockbackend.Config{
			ReplyDelay: mockReplyDelay,
			Logger:     logger,
		})

		fmt.Printf("Mock backend on http://%s\n", mockAddr)
		fmt.Println("Accounts:")
		for _, u := range srv.Users() {
			fmt.Printf("  %-18s %s (%s)\n", u.Email, u.Password, u.Role)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start(mockAddr) }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("mock_backend_shutdown_failed", zap.Error(err))
		}
		return nil
	},
}
