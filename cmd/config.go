package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/crispinlab/cc-proxy/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the proxy's configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize configuration by prompting for provider details.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("cc-proxy Configuration Setup")
	color.Yellow("Follow the prompts to configure your upstream provider.")

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("\nProvider Name (e.g., openrouter, openai): ")
	providerName, _ := reader.ReadString('\n')
	providerName = strings.TrimSpace(providerName)

	fmt.Print("API Key: ")
	apiKey, _ := reader.ReadString('\n')
	apiKey = strings.TrimSpace(apiKey)

	fmt.Print("API Base URL: ")
	baseURL, _ := reader.ReadString('\n')
	baseURL = strings.TrimSpace(baseURL)

	fmt.Print("Provider type (openai/anthropic) [openai]: ")
	providerType, _ := reader.ReadString('\n')
	providerType = strings.TrimSpace(providerType)
	if providerType == "" {
		providerType = string(config.ProviderTypeOpenAI)
	}

	fmt.Print("Small-tier model (used until you pick a different one): ")
	model, _ := reader.ReadString('\n')
	model = strings.TrimSpace(model)

	fmt.Print("Shared secret clients must present (optional): ")
	sharedSecret, _ := reader.ReadString('\n')
	sharedSecret = strings.TrimSpace(sharedSecret)

	cfg := &config.Config{
		Config: config.Section{
			Host:   config.DefaultHost,
			Port:   config.DefaultPort,
			APIKey: sharedSecret,
			Tiers: config.TierDefaults{
				Small: fmt.Sprintf("%s:%s", providerName, model),
			},
		},
		Providers: []config.Provider{
			{
				Name:         providerName,
				BaseURL:      baseURL,
				APIKey:       apiKey,
				ProviderType: config.ProviderType(providerType),
				SmallModels:  []string{model},
			},
		},
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("You can now start the proxy with: ccp start")

	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run 'ccp config init' to create one.")
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Config.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Config.Port)
	fmt.Printf("  %-15s: %s\n", "Shared Secret", maskString(cfg.Config.APIKey))
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nProviders:")
	for _, provider := range cfg.Providers {
		fmt.Printf("  - Name: %s (%s)\n", provider.Name, provider.ProviderType)
		fmt.Printf("    Base URL: %s\n", provider.BaseURL)
		fmt.Printf("    API Key: %s\n", maskString(provider.ResolvedAPIKey()))
		fmt.Printf("    Big Models: %v\n", provider.BigModels)
		fmt.Printf("    Middle Models: %v\n", provider.MiddleModels)
		fmt.Printf("    Small Models: %v\n", provider.SmallModels)
		fmt.Println()
	}

	fmt.Println("Tier Defaults:")
	fmt.Printf("  %-15s: %s\n", "Big", cfg.Config.Tiers.Big)
	fmt.Printf("  %-15s: %s\n", "Middle", cfg.Config.Tiers.Middle)
	fmt.Printf("  %-15s: %s\n", "Small", cfg.Config.Tiers.Small)

	if len(cfg.Transformers) > 0 {
		fmt.Println("\nTransformers:")
		for name, t := range cfg.Transformers {
			fmt.Printf("  - %s (enabled=%v)\n", name, t.Enabled)
		}
	}

	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var errs []string

	if len(cfg.Providers) == 0 {
		errs = append(errs, "no providers configured")
	}

	for i, provider := range cfg.Providers {
		if provider.Name == "" {
			errs = append(errs, fmt.Sprintf("provider %d: name is required", i))
		}
		if provider.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("provider %d: base_url is required", i))
		}
		if provider.ResolvedAPIKey() == "" {
			errs = append(errs, fmt.Sprintf("provider %d: api_key or env_key is required", i))
		}
		switch provider.ProviderType {
		case config.ProviderTypeOpenAI, config.ProviderTypeAnthropic:
		default:
			errs = append(errs, fmt.Sprintf("provider %d: unknown provider_type %q", i, provider.ProviderType))
		}
	}

	if cfg.Config.Tiers.Big == "" && cfg.Config.Tiers.Middle == "" && cfg.Config.Tiers.Small == "" {
		errs = append(errs, "at least one of config.tiers.big/middle/small is required")
	}

	if len(errs) > 0 {
		color.Red("Configuration validation failed:")
		for _, e := range errs {
			fmt.Printf("  - %s\n", e)
		}
		return fmt.Errorf("configuration validation failed")
	}

	color.Green("Configuration is valid!")
	return nil
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
