package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pinbridge/vault/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage pinbridge configuration",
		Long: `Manage pinbridge configuration settings.

Keys use the YAML names with dots for nesting.
Configuration is stored in ~/.config/pinbridge/config.yaml by default.

Example:
  pinbridge config path                     # Show config file path
  pinbridge config get sync.remote          # Get one value
  pinbridge config set sync.enabled true    # Set a value
  pinbridge config get                      # Show all configuration`,
	}

	getCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Get configuration value(s)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runConfigGetAll(cmd)
			}
			return runConfigGet(cmd, args[0])
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSet(cmd, args[0], args[1])
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), cfgFile)
			return nil
		},
	}

	cmd.AddCommand(getCmd, setCmd, pathCmd)
	return cmd
}

// configTree returns the configuration as nested YAML maps
func configTree(c *config.Config) (map[string]interface{}, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	tree := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func splitKey(key string) []string {
	return strings.Split(strings.ReplaceAll(strings.ToLower(key), "-", "_"), ".")
}

func runConfigGetAll(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	writeOutput(out, "# %s\n", cfgFile)
	return writeString(out, string(data))
}

func runConfigGet(cmd *cobra.Command, key string) error {
	tree, err := configTree(cfg)
	if err != nil {
		return err
	}

	var node interface{} = tree
	for _, part := range splitKey(key) {
		m, ok := node.(map[string]interface{})
		if !ok {
			return fmt.Errorf("unknown configuration key: %s", key)
		}
		if node, ok = m[part]; !ok {
			return fmt.Errorf("unknown configuration key: %s", key)
		}
	}

	if _, nested := node.(map[string]interface{}); nested {
		data, err := yaml.Marshal(node)
		if err != nil {
			return err
		}
		return writeString(cmd.OutOrStdout(), string(data))
	}
	if list, ok := node.([]interface{}); ok {
		for _, item := range list {
			fmt.Fprintln(cmd.OutOrStdout(), item)
		}
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), node)
	return nil
}

func runConfigSet(cmd *cobra.Command, key, value string) error {
	tree, err := configTree(cfg)
	if err != nil {
		return err
	}

	parts := splitKey(key)
	parent := tree
	for _, part := range parts[:len(parts)-1] {
		child, ok := parent[part].(map[string]interface{})
		if !ok {
			return fmt.Errorf("unknown configuration key: %s", key)
		}
		parent = child
	}
	leaf := parts[len(parts)-1]
	current, ok := parent[leaf]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if _, nested := current.(map[string]interface{}); nested {
		return fmt.Errorf("%s is a section, set one of its keys", key)
	}

	var parsed interface{}
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
		parsed = value
	}
	if _, isList := current.([]interface{}); isList {
		if _, ok := parsed.([]interface{}); !ok {
			parsed = strings.Split(value, ",")
		}
	}
	parent[leaf] = parsed

	data, err := yaml.Marshal(tree)
	if err != nil {
		return err
	}
	updated := config.DefaultConfig()
	if err := yaml.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := config.SaveConfig(updated, cfgFile); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	cfg = updated

	success(cmd.OutOrStdout(), "Configuration updated: %s = %s", key, value)
	return nil
}
