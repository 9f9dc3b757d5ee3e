package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/specbatch/internal/config"
)

var (
	configProject bool
	configPath    bool
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify specbatch configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Worker environment variables are set as agent.env.<NAME>, for example:
  specbatch config agent.env.GITHUB_TOKEN ghp_xxx
Values whose name looks like a credential are masked on display.

Configuration is stored at ~/.config/specbatch/config.yaml
Project-specific overrides can be placed in .specbatch.yaml (use --project)`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if configPath {
			displayConfigPaths()
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
			return nil
		case 1:
			return displayConfigKey(cfg, args[0])
		default:
			return setConfigKey(cfg, args[0], args[1])
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configProject, "project", false, "Write to .specbatch.yaml in the current directory")
	configCmd.Flags().BoolVar(&configPath, "path", false, "Print the config file locations")
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	for _, k := range config.Keys {
		value, err := config.Get(cfg, k.Name)
		if err != nil {
			continue
		}
		fmt.Printf("%s: %s\n", k.Name, value)
	}
	for _, name := range config.EnvNames(cfg) {
		fmt.Printf("agent.env.%s: %s\n", name, displayEnvValue(name, cfg.Agent.EnvMap()[name]))
	}
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) error {
	value, err := config.Get(cfg, key)
	if err != nil {
		return err
	}
	if name, ok := envVarName(key); ok {
		value = displayEnvValue(name, value)
	}
	fmt.Println(value)
	return nil
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) error {
	if err := config.Set(cfg, key, value); err != nil {
		return err
	}

	path := config.GetUserConfigPath()
	if configProject {
		path = config.ProjectConfigName
		if err := config.SaveToPath(cfg, path); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	} else if err := config.Save(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	shown := value
	if name, ok := envVarName(key); ok {
		shown = displayEnvValue(name, value)
	}
	fmt.Printf("Set %s = %s (%s)\n", key, shown, path)
	return nil
}

func displayConfigPaths() {
	fmt.Printf("user:    %s\n", config.GetUserConfigPath())
	project := config.GetProjectConfigPath()
	if project == "" {
		project = "(none)"
	}
	fmt.Printf("project: %s\n", project)
}

func envVarName(key string) (string, bool) {
	const prefix = "agent.env."
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):], true
	}
	return "", false
}

func displayEnvValue(name, value string) string {
	if config.IsSecretName(name) {
		return config.MaskSecret(value)
	}
	return value
}
