package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tmc/langchaingo/llms/openai"

	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/oracle"
)

// buildOracle selects the reasoning backend named by cfg.Oracle.Provider.
// Remote backends are wrapped with per-call timeouts and transient retry.
func buildOracle(cfg model.Config, logger *slog.Logger) (oracle.Oracle, error) {
	switch cfg.Oracle.Provider {
	case "static":
		if cfg.Oracle.PlanFile == "" {
			return nil, fmt.Errorf("oracle provider static needs oracle.plan_file")
		}
		s, err := oracle.LoadScripted(cfg.Oracle.PlanFile)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "openai":
		token := os.Getenv(cfg.Oracle.APIKeyEnv)
		if token == "" {
			return nil, fmt.Errorf("oracle provider openai: environment variable %s is empty", cfg.Oracle.APIKeyEnv)
		}
		opts := []openai.Option{
			openai.WithToken(token),
			openai.WithModel(cfg.Oracle.Model),
		}
		if cfg.Oracle.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Oracle.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		timeout := time.Duration(cfg.Oracle.TimeoutSec) * time.Second
		return oracle.NewRetrying(oracle.NewLLMOracle(llm, logger), oracle.RetryPolicyFromConfig(cfg.Retry), timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Oracle.Provider)
	}
}
