package kube

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/rest"
	certutil "k8s.io/client-go/util/cert"

	"github.com/vesselops/vessel-agent/pkg/mtls"
)

// DefaultServiceAccountDir is where the pod's service account is mounted
const DefaultServiceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

const (
	tokenFile = "token"
	caFile    = "ca.crt"
)

// RESTConfig builds the cluster API configuration from a service account
// directory. An unreadable or empty token and an unparseable CA bundle are
// errors. With the default address and directory inside a pod the
// configuration comes from rest.InClusterConfig.
func RESTConfig(apiURL, dir string, logger *zap.Logger) (*rest.Config, error) {
	if dir == "" {
		dir = DefaultServiceAccountDir
	}
	if apiURL == "" {
		apiURL = DefaultBaseURL
	}

	var (
		config *rest.Config
		err    error
	)
	if inCluster(apiURL, dir) {
		config, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
		}
	} else {
		config, err = serviceAccountConfig(apiURL, dir)
		if err != nil {
			return nil, err
		}
	}

	config.BearerToken = strings.TrimSpace(config.BearerToken)
	if config.BearerToken == "" {
		return nil, fmt.Errorf("service account token %s is empty", config.BearerTokenFile)
	}

	fields := []zap.Field{
		zap.String("host", config.Host),
		zap.String("dir", dir),
	}
	if exp, ok := mtls.TokenExpiration(config.BearerToken); ok {
		fields = append(fields, zap.Time("token_expires_at", exp))
		if time.Now().After(exp) {
			logger.Warn("Service account token has expired", fields...)
		}
	}
	logger.Info("Loaded cluster credentials", fields...)

	return config, nil
}

func inCluster(apiURL, dir string) bool {
	return apiURL == DefaultBaseURL &&
		dir == DefaultServiceAccountDir &&
		os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func serviceAccountConfig(apiURL, dir string) (*rest.Config, error) {
	tokenPath := filepath.Join(dir, tokenFile)
	token, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account token %s: %w", tokenPath, err)
	}

	caPath := filepath.Join(dir, caFile)
	if _, err := certutil.NewPool(caPath); err != nil {
		return nil, fmt.Errorf("failed to load cluster CA: %w", err)
	}

	return &rest.Config{
		Host:            apiURL,
		BearerToken:     string(token),
		BearerTokenFile: tokenPath,
		TLSClientConfig: rest.TLSClientConfig{CAFile: caPath},
	}, nil
}
