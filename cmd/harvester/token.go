package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/claimharvest/internal/api"
	"github.com/shehryarbajwa/claimharvest/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token signed with auth.jwt_secret",
	RunE:  runToken,
}

var (
	tokenSubject string
	tokenTTL     time.Duration
)

func init() {
	tokenCmd.Flags().StringVarP(&tokenSubject, "subject", "s", "operator", "Token subject, used for rate limiting and logs")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set")
	}
	token, err := api.Token([]byte(cfg.Auth.JWTSecret), tokenSubject, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
