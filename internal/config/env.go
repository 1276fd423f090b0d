package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("SMTPD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("SMTPD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SMTPD_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("SMTPD_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("SMTPD_DELIVERY_TYPE"); v != "" {
		cfg.Delivery.Type = v
	}
	if v := os.Getenv("SMTPD_DELIVERY_PATH"); v != "" {
		cfg.Delivery.BasePath = v
	}
	if v := os.Getenv("SMTPD_DELIVERY_PATH_TEMPLATE"); v != "" {
		if cfg.Delivery.Options == nil {
			cfg.Delivery.Options = make(map[string]string)
		}
		cfg.Delivery.Options["path_template"] = v
	}
	if v := os.Getenv("SMTPD_DELIVERY_MAILDIR_SUBDIR"); v != "" {
		if cfg.Delivery.Options == nil {
			cfg.Delivery.Options = make(map[string]string)
		}
		cfg.Delivery.Options["maildir_subdir"] = v
	}

	if v := os.Getenv("SMTPD_FILTER_TYPE"); v != "" {
		cfg.Filter.Type = FilterType(v)
	}
	if v := os.Getenv("SMTPD_FILTER_COMMAND"); v != "" {
		cfg.Filter.Command = v
	}
	if v := os.Getenv("SMTPD_FILTER_REJECT"); v != "" {
		cfg.Filter.Reject = v
	}
	if v := os.Getenv("SMTPD_FILTER_REDIS_ADDR"); v != "" {
		cfg.Filter.RedisAddr = v
	}

	return cfg
}
