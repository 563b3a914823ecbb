package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const defaultListen = "localhost:8080"

// Config for the app. All values are deployment specific; there are no
// built in client IDs or tenant URLs.
type Config struct {
	// Issuer is the provider's issuer URL, used for discovery.
	Issuer   string `yaml:"issuer" validate:"required,http_url"`
	ClientID string `yaml:"client_id" validate:"required"`
	// RedirectURL must be registered with the provider. Its path is served as
	// the login callback.
	RedirectURL string   `yaml:"redirect_url" validate:"required,http_url"`
	Scopes      []string `yaml:"scopes" validate:"required,min=1,dive,required"`
	// APIURL is the protected API called with the access token.
	APIURL string `yaml:"api_url" validate:"required,http_url"`
	// SessionFile persists the session across restarts. Optional.
	SessionFile string `yaml:"session_file"`
	// PostLogoutRedirectURL is where the provider sends the user after
	// logout. Optional.
	PostLogoutRedirectURL string `yaml:"post_logout_redirect_url" validate:"omitempty,http_url"`
	Listen                string `yaml:"listen" validate:"required,hostname_port"`
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Config{Listen: defaultListen}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if _, err := url.Parse(c.RedirectURL); err != nil {
		return fmt.Errorf("validate config: redirect_url: %w", err)
	}
	if p := c.callbackPath(); reservedPaths[p] {
		return fmt.Errorf("validate config: redirect_url path %q is used by the app", p)
	}
	return nil
}

// callbackPath is the path of the redirect URL. Callers must validate first.
func (c *Config) callbackPath() string {
	u, _ := url.Parse(c.RedirectURL)
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
