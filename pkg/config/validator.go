package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if c.Slack.RequestsPerMinute <= 0 {
		errors = append(errors, ValidationError{
			Field:   "slack.requests_per_minute",
			Message: "requests_per_minute must be positive",
		})
	}

	if c.Salesforce.InstanceURL != "" && !isAbsURL(c.Salesforce.InstanceURL) {
		errors = append(errors, ValidationError{
			Field:   "salesforce.instance_url",
			Message: "invalid Salesforce instance URL",
		})
	}

	if !isAbsURL(c.Fathom.BaseURL) {
		errors = append(errors, ValidationError{
			Field:   "fathom.base_url",
			Message: "invalid Fathom base URL",
		})
	}

	if c.Fathom.PageSize < 1 || c.Fathom.PageSize > 10 {
		errors = append(errors, ValidationError{
			Field:   "fathom.page_size",
			Message: "page_size must be between 1 and 10",
		})
	}

	switch c.Embedding.Provider {
	case "ollama":
		if !isAbsURL(c.Embedding.BaseURL) {
			errors = append(errors, ValidationError{
				Field:   "embedding.base_url",
				Message: "Ollama base URL is required",
			})
		}
	case "openai":
		if c.Embedding.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   "embedding.api_key",
				Message: "OpenAI API key is required",
			})
		}
	case "hash":
	default:
		errors = append(errors, ValidationError{
			Field:   "embedding.provider",
			Message: fmt.Sprintf("unknown provider %q", c.Embedding.Provider),
		})
	}

	switch c.Database.Backend {
	case "chromem", "memory":
	case "pgvector":
		if c.Database.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "database URL is required for pgvector",
			})
		} else if _, err := url.Parse(c.Database.URL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "database.backend",
			Message: fmt.Sprintf("unknown backend %q", c.Database.Backend),
		})
	}

	if c.Database.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.vector_dim",
			Message: "vector_dim must be positive",
		})
	}

	for _, prefix := range c.Sync.UltraPrefixes {
		if strings.TrimSpace(prefix) == "" {
			errors = append(errors, ValidationError{
				Field:   "sync.ultra_prefixes",
				Message: "prefixes must not be blank",
			})
			break
		}
	}

	for name, tier := range c.Sync.Tiers {
		if tier.MaxPages < 1 || tier.PageSize < 1 || tier.MinLength < 0 {
			errors = append(errors, ValidationError{
				Field:   "sync.tiers." + name,
				Message: "max_pages and page_size must be positive",
			})
		}
	}

	r := c.Sync.Retry
	if r.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "sync.retry.max_attempts",
			Message: "max_attempts must be positive",
		})
	}
	if r.Multiplier < 1 {
		errors = append(errors, ValidationError{
			Field:   "sync.retry.multiplier",
			Message: "multiplier must be at least 1",
		})
	}
	if r.MaxDelay < r.BaseDelay {
		errors = append(errors, ValidationError{
			Field:   "sync.retry.max_delay",
			Message: "max_delay must not be below base_delay",
		})
	}

	if c.Retrieval.Results < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.results",
			Message: "results must be positive",
		})
	}

	return errors
}

func isAbsURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
