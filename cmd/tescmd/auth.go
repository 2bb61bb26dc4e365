package main

import (
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/oceanswave/tescmd-gateway/pkg/authstore"
)

// newAuthCmd is the "auth" command group: interactive login against the
// upstream provider's OAuth2 endpoint, status, and logout. The resulting
// token is persisted by pkg/authstore, a file-backed store (see
// DESIGN.md for the keyring trade-off).
func newAuthCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "auth",
		Short: "Authenticate against the upstream fleet API provider",
	}

	var redirectPort int
	login := &cobra.Command{
		Use:   "login",
		Short: "Run the interactive authorization-code-with-PKCE flow and persist the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.OAuthClientID == "" {
				return fmt.Errorf("tescmd: set oauth_client_id (or TESCMD_OAUTH_CLIENT_ID) before `tescmd auth login`")
			}
			store := authstore.New(cfg.TokenPath, cfg.OAuthClientID, cfg.OAuthClientSecret, authstore.DefaultEndpoint, nil)
			tok, err := authstore.Login(cmd.Context(), store, redirectPort, openBrowser)
			if err != nil {
				return writeResult(cmd.OutOrStdout(), flagFormat, "auth.login", nil, err)
			}
			return writeResult(cmd.OutOrStdout(), flagFormat, "auth.login",
				map[string]any{"expires_at": tok.Expiry}, nil)
		},
	}
	login.Flags().IntVar(&redirectPort, "redirect-port", 0, "Loopback port for the OAuth2 redirect (0 picks an ephemeral port)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Report whether a token is stored and when it expires",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store := authstore.New(cfg.TokenPath, cfg.OAuthClientID, cfg.OAuthClientSecret, authstore.DefaultEndpoint, nil)
			tok, err := store.Load()
			if err != nil {
				return writeResult(cmd.OutOrStdout(), flagFormat, "auth.status", nil, err)
			}
			return writeResult(cmd.OutOrStdout(), flagFormat, "auth.status", map[string]any{
				"expires_at":   tok.Expiry,
				"expires_soon": authstore.ExpiresSoon(tok, 5*time.Minute),
			}, nil)
		},
	}

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Remove the persisted token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store := authstore.New(cfg.TokenPath, cfg.OAuthClientID, cfg.OAuthClientSecret, authstore.DefaultEndpoint, nil)
			err = store.Logout()
			return writeResult(cmd.OutOrStdout(), flagFormat, "auth.logout", map[string]any{"logged_out": err == nil}, err)
		},
	}

	root.AddCommand(login, status, logout)
	return root
}

// openBrowser best-effort opens url in the user's default browser; a
// failure here is non-fatal since authstore.Login also prints the URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
