package config

import (
	"strings"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
)

// Validate checks that the settings required by the given command mode are
// present and within bounds. Modes: scrape, analyze, serve.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "scrape":
		problems = append(problems, c.validateStore()...)
		problems = append(problems, c.validateScrape()...)
	case "analyze":
		problems = append(problems, c.validateStore()...)
		problems = append(problems, c.validateLLM()...)
		problems = append(problems, c.validateAnalysis()...)
	case "serve":
		problems = append(problems, c.validateStore()...)
		problems = append(problems, c.validateScrape()...)
		problems = append(problems, c.validateLLM()...)
		problems = append(problems, c.validateAnalysis()...)
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Scheduler.Workers < 1 || c.Scheduler.Workers > 32 {
			problems = append(problems, "scheduler.workers must be between 1 and 32")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config validation: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var p []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		p = append(p, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		p = append(p, "store.database_url is required")
	}
	return p
}

func (c *Config) validateScrape() []string {
	var p []string
	if c.Scrape.MaxAttempts < 1 {
		p = append(p, "scrape.max_attempts must be >= 1")
	}
	if c.Scrape.MaxPages < 1 {
		p = append(p, "scrape.max_pages must be >= 1")
	}
	if c.Scrape.RequestDelayMs < 0 {
		p = append(p, "scrape.request_delay_ms must be >= 0")
	}
	for _, s := range c.Sources {
		if s.Schedule == "" {
			continue
		}
		if _, err := cron.ParseStandard(s.Schedule); err != nil {
			p = append(p, "sources."+s.Code+".schedule is not a valid cron expression")
		}
	}
	return p
}

func (c *Config) validateLLM() []string {
	var p []string
	providers := map[string]bool{"claude": true, "openai": true}
	if !providers[c.LLM.Primary] {
		p = append(p, "llm.primary must be claude or openai")
	}
	if c.LLM.Fallback != "" && !providers[c.LLM.Fallback] {
		p = append(p, "llm.fallback must be claude, openai or empty")
	}
	if c.LLM.Primary == c.LLM.Fallback {
		p = append(p, "llm.fallback must differ from llm.primary")
	}
	for _, name := range []string{c.LLM.Primary, c.LLM.Fallback} {
		switch name {
		case "claude":
			if c.Anthropic.Key == "" {
				p = append(p, "anthropic.key is required")
			}
		case "openai":
			if c.OpenAI.Key == "" {
				p = append(p, "openai.key is required")
			}
		}
	}
	if c.LLM.MaxRetries < 1 {
		p = append(p, "llm.max_retries must be >= 1")
	}
	return p
}

func (c *Config) validateAnalysis() []string {
	var p []string
	if c.Analysis.ClassificationThreshold < 0 || c.Analysis.ClassificationThreshold > 1 {
		p = append(p, "analysis.classification_threshold must be between 0 and 1")
	}
	if c.Analysis.RepairAttempts < 0 {
		p = append(p, "analysis.repair_attempts must be >= 0")
	}
	return p
}
