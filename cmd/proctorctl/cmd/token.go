package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

var (
	tokenUserID       int
	tokenRole         string
	tokenExpiry       time.Duration
	tokenPromptSecret bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed access token",
	Long: `Issue a signed access token for a user and role.

Tokens are signed with JWT_SECRET unless --prompt-secret is given, in which
case the secret is read from the terminal without echo.`,
	Example: `  proctorctl token --user 42 --role examiner --expiry 2h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := model.Role(strings.ToLower(tokenRole))
		switch role {
		case model.RoleStudent, model.RoleExaminer, model.RoleAdmin:
		default:
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		if tokenUserID < 1 {
			return errors.New("--user must be a positive id")
		}

		c := *cfg
		if tokenExpiry > 0 {
			c.JWTExpiry = tokenExpiry
		}
		if tokenPromptSecret {
			secret, err := readSecret()
			if err != nil {
				return err
			}
			c.JWTSecret = secret
		}

		token, err := service.NewAuthService(&c).IssueToken(tokenUserID, role)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--prompt-secret needs an interactive terminal")
	}
	fmt.Fprint(os.Stderr, "JWT secret: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	return secret, nil
}

func init() {
	tokenCmd.Flags().IntVar(&tokenUserID, "user", 0, "user id the token is issued to")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(model.RoleStudent), "student, examiner or admin")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 0, "token lifetime (defaults to JWT_EXPIRY_HOURS)")
	tokenCmd.Flags().BoolVar(&tokenPromptSecret, "prompt-secret", false, "read the signing secret from the terminal")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
