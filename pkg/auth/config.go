package auth

import "strings"

// Config contains API and integration settings per service.
type Config struct {
	GitHub           ProviderConfig `yaml:"github"`
	GitHubEnterprise ProviderConfig `yaml:"github_enterprise"`
	GitLab           ProviderConfig `yaml:"gitlab"`
	GitLabEnterprise ProviderConfig `yaml:"gitlab_enterprise"`
	Bitbucket        ProviderConfig `yaml:"bitbucket"`
}

// ProviderConfig contains the API base URL and, for GitHub, the App credentials
// used to mint installation tokens.
type ProviderConfig struct {
	AppID          int64  `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	// BaseURL is the REST API root, e.g. https://ghe.example.com/api/v3.
	BaseURL string `yaml:"base_url"`
}

// ForService returns the settings for a service name.
func (c Config) ForService(service string) (ProviderConfig, bool) {
	switch strings.ToLower(service) {
	case "github":
		return c.GitHub, true
	case "github_enterprise":
		return c.GitHubEnterprise, true
	case "gitlab":
		return c.GitLab, true
	case "gitlab_enterprise":
		return c.GitLabEnterprise, true
	case "bitbucket":
		return c.Bitbucket, true
	default:
		return ProviderConfig{}, false
	}
}
