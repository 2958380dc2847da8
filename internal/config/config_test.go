package config

import "testing"

func validConfig() *Config {
	return &Config{
		Port:                    "8000",
		Env:                     "development",
		DefaultTenant:           "default",
		RetryLimit:              5,
		ErrorLimit:              5,
		EndOfLifeDays:           30,
		DispatcherWorkers:       16,
		GeneratorWorkers:        4,
		IngressQueueCapacity:    1024,
		EventLogRetention:       1000,
		HeartbeatTickSeconds:    5,
		HandshakeTimeoutSeconds: 60,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero retry limit", func(c *Config) { c.RetryLimit = 0 }},
		{"zero error limit", func(c *Config) { c.ErrorLimit = 0 }},
		{"zero end of life", func(c *Config) { c.EndOfLifeDays = 0 }},
		{"zero dispatcher workers", func(c *Config) { c.DispatcherWorkers = 0 }},
		{"negative generator workers", func(c *Config) { c.GeneratorWorkers = -1 }},
		{"zero ingress capacity", func(c *Config) { c.IngressQueueCapacity = 0 }},
		{"zero retention", func(c *Config) { c.EventLogRetention = 0 }},
		{"zero heartbeat tick", func(c *Config) { c.HeartbeatTickSeconds = 0 }},
		{"zero handshake timeout", func(c *Config) { c.HandshakeTimeoutSeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.RetryLimit != 5 {
		t.Errorf("RetryLimit = %d, want 5", cfg.RetryLimit)
	}
	if cfg.IngressQueueCapacity != 1024 {
		t.Errorf("IngressQueueCapacity = %d, want 1024", cfg.IngressQueueCapacity)
	}
	if cfg.DefaultTenant != "default" {
		t.Errorf("DefaultTenant = %q, want \"default\"", cfg.DefaultTenant)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config Validate() = %v, want nil", err)
	}
}
