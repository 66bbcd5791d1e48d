package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codefionn/orbit/internal/auth"
	"github.com/codefionn/orbit/internal/config"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
	tokenCaps    []string
	tokenStatic  bool
)

// tokenCmd prints a credential for connecting to the server
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development credential",
	Long: `Issue an HS256 token signed with the configured secret (MCP_SECRET).

With --static a random shared token for auth mode "token" is printed
instead; put it into auth.token or ORBIT_AUTH_TOKEN.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if tokenStatic {
			token, err := auth.GenerateToken()
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}

		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		secret := cfg.Auth.Secret
		if secret == "" {
			if secret, err = promptForSecret("Signing secret: "); err != nil {
				return err
			}
		}
		issuer, err := auth.NewIssuer([]byte(secret),
			auth.WithIssuer(cfg.Auth.Issuer),
			auth.WithAudience(cfg.Auth.Audience),
		)
		if err != nil {
			return fmt.Errorf("%w (set MCP_SECRET or auth.secret)", err)
		}

		token, err := issuer.Issue(tokenSubject, tokenTTL, tokenCaps...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "commander", "Subject (operator identity) of the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "Token lifetime")
	tokenCmd.Flags().StringSliceVar(&tokenCaps, "caps", nil, "Capabilities to grant (comma-separated)")
	tokenCmd.Flags().BoolVar(&tokenStatic, "static", false, "Print a random shared token instead of a JWT")
}

// promptForSecret reads the signing secret without echo. Without a terminal
// there is nobody to ask.
func promptForSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}

	fmt.Fprint(os.Stderr, prompt)
	bytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimSpace(string(bytes)), nil
}
