package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configShowSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration as YAML",
	Long: `Print the configuration after defaults, the config file and GATEKEEP_*
environment variables have been merged. Passwords are masked unless
--show-secrets is given.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.Flags().BoolVar(&configShowSecrets, "show-secrets", false, "print passwords in clear text")
}

var secretKeys = map[string]bool{
	"redis_password": true,
}

func runConfig(cmd *cobra.Command, args []string) error {
	settings := loader.AllSettings()
	if !configShowSecrets {
		maskSecrets(settings)
	}

	if used := loader.ConfigFileUsed(); used != "" {
		fmt.Printf("# %s\n", used)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

// maskSecrets replaces non-empty secret values in place, at any depth.
func maskSecrets(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			maskSecrets(val)
		case string:
			if secretKeys[k] && val != "" {
				m[k] = "********"
			}
		}
	}
}
