package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/LuminPulse-AI/agentchat"
)

var (
	loginEmail    string
	loginPassword string
	loginToken    string
	whoamiJSON    bool
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)

	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email (prompted when omitted)")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (prompted when omitted)")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Use an existing access token instead of a password")
	whoamiCmd.Flags().BoolVar(&whoamiJSON, "json", false, "Output as JSON")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the access token",
	Long:  "Authenticate with email and password (or an existing token) and keep the token for later commands.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		identity := agentchat.NewIdentity(a.client, a.store, a.logger)

		var profile *agentchat.Profile
		if loginToken != "" {
			profile, err = identity.Authenticate(ctx, loginToken)
		} else {
			email, password, perr := promptCredentials(loginEmail, loginPassword)
			if perr != nil {
				return perr
			}
			profile, err = identity.Login(ctx, email, password)
		}
		if err != nil {
			if errors.Is(err, agentchat.ErrMalformedCredential) {
				return fmt.Errorf("the server returned an unreadable token: %w", err)
			}
			return fmt.Errorf("login failed: %s", describeError(err))
		}

		fmt.Printf("Logged in as %s\n", profile.UserLine())
		fmt.Printf("Tenant: %s\n", profile.TenantLine())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		agentchat.NewIdentity(a.client, a.store, a.logger).Logout(cmd.Context())
		fmt.Println("Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user and tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		_, profile, err := a.restore(cmd.Context())
		if err != nil {
			return err
		}
		if whoamiJSON {
			return printJSON(profile)
		}

		fmt.Printf("User:    %s\n", profile.UserLine())
		fmt.Printf("Email:   %s\n", valueOrDefault(profile.Email, "(none)"))
		fmt.Printf("Tenant:  %s\n", profile.TenantLine())
		fmt.Printf("Server:  %s\n", a.client.BaseURL())
		switch {
		case profile.ExpiresAt.IsZero():
			fmt.Println("Token:   no expiry")
		case profile.Expired(time.Now()):
			fmt.Printf("Token:   EXPIRED (%s)\n", profile.ExpiresAt.Local().Format(time.RFC3339))
		default:
			fmt.Printf("Token:   valid until %s\n", profile.ExpiresAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

// promptCredentials asks for whatever was not given as a flag. The password
// is read without echo when stdin is a terminal.
func promptCredentials(email, password string) (string, string, error) {
	reader := bufio.NewReader(os.Stdin)
	if email == "" {
		fmt.Print("Email: ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", "", fmt.Errorf("failed to read email: %w", err)
		}
		email = strings.TrimSpace(line)
	}
	if password == "" {
		fmt.Print("Password: ")
		if term.IsTerminal(int(os.Stdin.Fd())) {
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return "", "", fmt.Errorf("failed to read password: %w", err)
			}
			password = string(raw)
		} else {
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return "", "", fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
	}
	return email, password, nil
}
