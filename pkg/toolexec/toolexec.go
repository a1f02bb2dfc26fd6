package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/protocol"
)

// Result is the outcome of one domain tool execution
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Service executes domain tools on behalf of an agent. Execution failures
// come back as Result{Success: false}; an error return means the call never
// produced a usable result at all.
type Service interface {
	Execute(ctx context.Context, toolName string, params map[string]any) (*Result, error)
}

// HTTPService executes tools against the external tool-execution service.
// Tool params are validated against the configured JSON schemas before the
// request leaves the process.
type HTTPService struct {
	baseURL string
	client  *http.Client
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
}

// NewHTTPService creates a tool service client and compiles the schemas of
// every configured tool
func NewHTTPService(cfg config.ToolServiceConfig, tools []config.ToolDefinition, logger zerolog.Logger) (*HTTPService, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	schemas := make(map[string]*gojsonschema.Schema, len(tools))
	for _, tool := range tools {
		if tool.Schema == nil {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.Schema))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for tool %q: %w", tool.Name, err)
		}
		schemas[tool.Name] = schema
	}

	logger.Info().
		Str("base_url", cfg.BaseURL).
		Int("tools", len(schemas)).
		Msg("tool service client initialized")

	return &HTTPService{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		schemas: schemas,
		logger:  logger.With().Str("component", "toolexec").Logger(),
	}, nil
}

type executeRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// Execute validates params and runs the tool on the external service
func (s *HTTPService) Execute(ctx context.Context, toolName string, params map[string]any) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "switchboard.toolexec", "tool.execute",
		attribute.String("tool.name", toolName),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	if err := s.validate(toolName, params); err != nil {
		observability.RecordToolExecution(toolName, time.Since(start), false)
		logger.Warn().Err(err).Str("tool", toolName).Msg("tool params failed validation")
		return &Result{Success: false, Error: err.Error()}, nil
	}

	body, err := json.Marshal(executeRequest{Tool: toolName, Params: params})
	if err != nil {
		return nil, &protocol.ToolExecutionError{ToolName: toolName, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, &protocol.ToolExecutionError{ToolName: toolName, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		observability.RecordToolExecution(toolName, time.Since(start), false)
		return nil, &protocol.ToolExecutionError{ToolName: toolName, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		observability.RecordToolExecution(toolName, time.Since(start), false)
		return nil, &protocol.ToolExecutionError{ToolName: toolName, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		observability.RecordToolExecution(toolName, time.Since(start), false)
		return nil, &protocol.ToolExecutionError{
			ToolName: toolName,
			Cause:    fmt.Errorf("tool service returned status %d", resp.StatusCode),
		}
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		observability.RecordToolExecution(toolName, time.Since(start), false)
		return nil, &protocol.ToolExecutionError{ToolName: toolName, Cause: err}
	}

	observability.RecordToolExecution(toolName, time.Since(start), result.Success)
	status := "failure"
	if result.Success {
		status = "success"
	}
	observability.RecordToolAudit(ctx, toolName, tracing.GetAgentID(ctx), status, nil)

	logger.Debug().
		Str("tool", toolName).
		Bool("success", result.Success).
		Dur("duration", time.Since(start)).
		Msg("tool executed")

	return &result, nil
}

// validate checks params against the tool's compiled schema, if one exists
func (s *HTTPService) validate(toolName string, params map[string]any) error {
	schema, ok := s.schemas[toolName]
	if !ok {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("schema validation failed for %q: %w", toolName, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("invalid params for %q: %s", toolName, strings.Join(msgs, "; "))
	}
	return nil
}
