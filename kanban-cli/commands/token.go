package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

// signToken returns an HS256 token accepted by board-api in local auth mode.
func signToken(secret, userID, name, audience string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("shared secret is empty")
	}
	if userID == "" {
		return "", errors.New("user id is empty")
	}
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if name != "" {
		claims["name"] = name
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func newTokenCmd(o *options) *cobra.Command {
	var (
		secret   string
		name     string
		audience string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a development token for a board-api running in local auth mode",
		Long: `Sign an HS256 token with the secret board-api was started with
(LOCAL_AUTH_SHARED_SECRET or TEST_JWT_SECRET).

Example:
  export KANBAN_TOKEN=$(kanban token alice)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := signToken(secret, args[0], name, audience, ttl, time.Now())
			if err != nil {
				return o.fail("cannot sign token", err.Error(), []string{"Pass --secret or set LOCAL_AUTH_SHARED_SECRET."})
			}
			fmt.Fprint(o.out, tok)
			return nil
		},
	}
	def := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	if def == "" {
		def = os.Getenv("TEST_JWT_SECRET")
	}
	cmd.Flags().StringVar(&secret, "secret", def, "shared HS256 secret")
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().StringVar(&audience, "audience", os.Getenv("AUTH0_AUDIENCE"), "audience claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
