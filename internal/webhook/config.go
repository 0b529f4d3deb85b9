package webhook

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

// FileConfig is the optional YAML file declaring static registrations and
// inbound secrets.
//
//	webhooks:
//	  - url: https://hooks.example.com/jobs
//	    events: [job_completed, job_failed]
//	    secret: s3cret
//	inbound:
//	  default_secret: shared
//	  secrets:
//	    dashscope: ds-secret
type FileConfig struct {
	Webhooks []FileWebhook `yaml:"webhooks"`
	Inbound  struct {
		DefaultSecret string            `yaml:"default_secret"`
		Secrets       map[string]string `yaml:"secrets"`
	} `yaml:"inbound"`
}

type FileWebhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// LoadFileConfig reads path. An empty path yields an empty config.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read webhook config: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse webhook config %s: %w", path, err)
	}
	return fc, nil
}

// Merge folds inbound secrets from fc into cfg. Values already set on cfg
// win.
func (fc FileConfig) Merge(cfg Config) Config {
	if cfg.DefaultInboundSecret == "" {
		cfg.DefaultInboundSecret = fc.Inbound.DefaultSecret
	}
	if len(fc.Inbound.Secrets) > 0 {
		merged := make(map[string]string, len(fc.Inbound.Secrets)+len(cfg.InboundSecrets))
		for k, v := range fc.Inbound.Secrets {
			merged[k] = v
		}
		for k, v := range cfg.InboundSecrets {
			merged[k] = v
		}
		cfg.InboundSecrets = merged
	}
	return cfg
}

// Register adds every static webhook in fc to c.
func (fc FileConfig) Register(c *Controller) error {
	for i, w := range fc.Webhooks {
		types := make([]domain.EventType, 0, len(w.Events))
		for _, e := range w.Events {
			types = append(types, domain.EventType(e))
		}
		if _, err := c.RegisterWebhook(w.URL, types, w.Secret); err != nil {
			return fmt.Errorf("webhooks[%d]: %w", i, err)
		}
	}
	return nil
}
