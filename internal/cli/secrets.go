package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskpulse/taskpulse/internal/config"
)

// resolveSecret picks a secret from the --secret flag, then the environment,
// then the config file given with --config.
func resolveSecret(cmd *cobra.Command, envKey string, fromConfig func(*config.Config) string) (string, error) {
	if s, _ := cmd.Flags().GetString("secret"); s != "" {
		return s, nil
	}
	if s := os.Getenv(envKey); s != "" {
		return s, nil
	}
	cfg, err := loadConfigFlag(cmd)
	if err != nil {
		return "", err
	}
	if cfg != nil {
		if s := fromConfig(cfg); s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("no secret: pass --secret, set %s or point --config at a config file", envKey)
}
