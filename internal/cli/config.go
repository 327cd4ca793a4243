package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/allyourbase/jobq/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print resolved configuration",
	Long: `Load and print the resolved jobq configuration as TOML.
Shows the result of merging defaults, jobq.toml, and JOBQ_* environment variables.`,
	RunE: runConfig,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long: `Get a configuration value by dotted key path.
Examples: server.port, queue.backend, redis.key_prefix, worker.concurrency`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in jobq.toml",
	Long: `Set a configuration value in the jobq.toml config file.
Creates the file if it doesn't exist.
Examples:
  jobq config set queue.backend redis
  jobq config set worker.concurrency 8
  jobq config set redis.key_prefix "billing:"`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default jobq.toml",
	RunE:  runConfigInit,
}

func init() {
	configCmd.PersistentFlags().String("config", "", "Path to jobq.toml config file")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
}

func configPathFlag(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	if p == "" {
		return "jobq.toml"
	}
	return p
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPathFlag(cmd), nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if outputFormat(cmd) == "json" {
		return json.NewEncoder(os.Stdout).Encode(cfg)
	}
	out, err := cfg.ToTOML()
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}
	fmt.Print(out)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPathFlag(cmd), nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	value, err := config.GetValue(cfg, args[0])
	if err != nil {
		return err
	}
	if outputFormat(cmd) == "json" {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"key": args[0], "value": value})
	}
	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	path := configPathFlag(cmd)
	key, value := args[0], args[1]

	if !config.IsValidKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err := config.SetValue(path, key, value); err != nil {
		return fmt.Errorf("setting config value: %w", err)
	}
	fmt.Printf("%s = %s\n", key, value)
	fmt.Printf("Written to %s\n", path)

	// Values are often set one at a time, so an invalid intermediate
	// state is reported but not fatal.
	if _, err := config.Load(path, nil); err != nil {
		parts := strings.SplitN(err.Error(), ": ", 2)
		fmt.Fprintf(os.Stderr, "Note: %s\n", parts[len(parts)-1])
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := configPathFlag(cmd)
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.GenerateDefault(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
