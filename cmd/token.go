package cmd

import (
	"errors"
	"fmt"
	"time"

	"QFetch/core/auth"

	"github.com/spf13/cobra"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <name>",
	Short: "Issue an API token signed with API_JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.APISecret == "" {
			return errors.New("API_JWT_SECRET is not set")
		}
		ttl := cfg.APITokenTTL
		if cmd.Flags().Changed("ttl") {
			ttl = tokenTTL
		}
		token, err := auth.GenerateToken(cfg.APISecret, args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime, e.g. 720h; 0 never expires (default API_TOKEN_TTL)")
	rootCmd.AddCommand(tokenCmd)
}
