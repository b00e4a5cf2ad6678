package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vesselops/vessel-agent/pkg/admission"
	"github.com/vesselops/vessel-agent/pkg/agent"
	"github.com/vesselops/vessel-agent/pkg/kube"
	"github.com/vesselops/vessel-agent/pkg/mtls"
	"github.com/vesselops/vessel-agent/pkg/observability"
	"github.com/vesselops/vessel-agent/pkg/session"
)

// bindFlags registers the agent flags and binds them to config keys. Every
// key can also be set through VESSEL_<KEY> with dots replaced by underscores.
func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()

	flags.String("config", "", "Config file path")
	flags.String("identity", "", "Agent identity (UUID) assigned by the platform")
	flags.String("agent-name", agent.DefaultAgentName, "Name reported to the cluster API as field manager")
	flags.String("mode", string(agent.ModeDial), "Session mode (dial, accept)")
	flags.String("platform-url", "", "Control plane base URL (dial mode)")
	flags.String("agent-token", "", "Bearer token presented to the control plane (dial mode)")
	flags.String("accept-addr", agent.DefaultAcceptAddr, "Listen address for inbound sessions (accept mode)")
	flags.String("accept-secret", "", "HMAC secret for verifying inbound session tokens (accept mode)")
	flags.String("health-addr", agent.DefaultHealthAddr, "Health and metrics bind address, - disables it")
	flags.Int("max-parallel", admission.DefaultCapacity, "Maximum number of commands executed at once")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("kube-api-url", kube.DefaultBaseURL, "Cluster API server URL")
	flags.String("kube-service-account-dir", kube.DefaultServiceAccountDir, "Directory holding the service account token and ca.crt")
	flags.String("tls-ca", "", "CA bundle for the control plane")
	flags.String("tls-cert", "", "Client certificate for the control plane")
	flags.String("tls-key", "", "Client key for the control plane")
	flags.Bool("tls-insecure-skip-verify", false, "Skip control plane certificate verification")
	flags.Bool("tracing-enabled", false, "Export traces over OTLP")
	flags.String("tracing-endpoint", "localhost:4317", "OTLP gRPC endpoint")
	flags.Float64("tracing-sample-rate", 1.0, "Fraction of traces sampled")
	flags.Bool("tracing-insecure", true, "Use a plaintext connection to the OTLP endpoint")
	flags.Duration("heartbeat-interval", session.DefaultPingInterval, "Interval between session pings")
	flags.Duration("heartbeat-timeout", session.DefaultPongTimeout, "Close the session after this long without a pong")
	flags.Duration("backoff-initial", session.DefaultInitialBackoff, "First reconnect delay")
	flags.Duration("backoff-max", session.DefaultMaxBackoff, "Reconnect delay cap")

	for key, flag := range map[string]string{
		"config":                   "config",
		"identity":                 "identity",
		"agent_name":               "agent-name",
		"mode":                     "mode",
		"platform_url":             "platform-url",
		"agent_token":              "agent-token",
		"accept_addr":              "accept-addr",
		"accept_secret":            "accept-secret",
		"health_addr":              "health-addr",
		"max_parallel":             "max-parallel",
		"log_level":                "log-level",
		"kube.api_url":             "kube-api-url",
		"kube.service_account_dir": "kube-service-account-dir",
		"tls.ca":                   "tls-ca",
		"tls.cert":                 "tls-cert",
		"tls.key":                  "tls-key",
		"tls.insecure_skip_verify": "tls-insecure-skip-verify",
		"tracing.enabled":          "tracing-enabled",
		"tracing.endpoint":         "tracing-endpoint",
		"tracing.sample_rate":      "tracing-sample-rate",
		"tracing.insecure":         "tracing-insecure",
		"heartbeat.interval":       "heartbeat-interval",
		"heartbeat.timeout":        "heartbeat-timeout",
		"backoff.initial":          "backoff-initial",
		"backoff.max":              "backoff-max",
	} {
		v.BindPFlag(key, flags.Lookup(flag))
	}

	v.SetEnvPrefix("VESSEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// loadConfig reads the optional config file and builds the agent config.
// Validation happens in agent.New.
func loadConfig(v *viper.Viper) (*agent.Config, error) {
	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if v.GetString("identity") == "" {
		return nil, fmt.Errorf("identity is required (set --identity or %s)", envKey("identity"))
	}

	return &agent.Config{
		Identity:     v.GetString("identity"),
		AgentName:    v.GetString("agent_name"),
		Mode:         agent.Mode(v.GetString("mode")),
		PlatformURL:  v.GetString("platform_url"),
		AgentToken:   v.GetString("agent_token"),
		AcceptAddr:   v.GetString("accept_addr"),
		AcceptSecret: v.GetString("accept_secret"),
		HealthAddr:   v.GetString("health_addr"),
		MaxParallel:  v.GetInt("max_parallel"),
		TLS: mtls.TLSConfig{
			CAFile:             v.GetString("tls.ca"),
			CertFile:           v.GetString("tls.cert"),
			KeyFile:            v.GetString("tls.key"),
			InsecureSkipVerify: v.GetBool("tls.insecure_skip_verify"),
		},
		Kube: agent.KubeConfig{
			APIURL:            v.GetString("kube.api_url"),
			ServiceAccountDir: v.GetString("kube.service_account_dir"),
		},
		PingInterval:   v.GetDuration("heartbeat.interval"),
		PongTimeout:    v.GetDuration("heartbeat.timeout"),
		InitialBackoff: v.GetDuration("backoff.initial"),
		MaxBackoff:     v.GetDuration("backoff.max"),
	}, nil
}

func tracerConfig(v *viper.Viper) observability.TracerConfig {
	return observability.TracerConfig{
		Enabled:     v.GetBool("tracing.enabled"),
		Endpoint:    v.GetString("tracing.endpoint"),
		ServiceName: "vessel-agent",
		SampleRate:  v.GetFloat64("tracing.sample_rate"),
		Insecure:    v.GetBool("tracing.insecure"),
	}
}

// envKey maps a dotted config key to its environment variable
func envKey(key string) string {
	return "VESSEL_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
}
