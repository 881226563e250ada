// Package config handles loading and validating PrintWatch configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading secrets from an optional .env file
//   - Overriding with PRINTWATCH_* environment variables
//   - Per-printer defaults inherited from the mqtt section
//   - Validation of required fields
//
// Security Considerations:
//   - Access codes, cloud passwords and Pushover keys should come from the
//     environment or the .env file, not the YAML file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	if err := config.LoadEnvFile(".env"); err != nil {
//	    log.Fatal(err)
//	}
//	cfg, err := config.Load("configs/printwatch.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, p := range cfg.Printers {
//	    fmt.Println(p.DisplayTitle())
//	}
package config
