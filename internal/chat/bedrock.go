package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/S-Corkum/fitcoach-server/internal/observability"
)

// BedrockConfig holds configuration for the Amazon Bedrock chat model
type BedrockConfig struct {
	Region           string        `mapstructure:"region"`
	Profile          string        `mapstructure:"profile"`
	ModelID          string        `mapstructure:"model_id"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	DefaultMaxTokens int           `mapstructure:"default_max_tokens"`
}

// BedrockModel implements Model using the Bedrock runtime with the
// Anthropic messages body format
type BedrockModel struct {
	client *bedrockruntime.Client
	config BedrockConfig
	logger observability.Logger
}

// anthropicRequest is the Bedrock invoke body for Anthropic models
type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Temperature      float64            `json:"temperature"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the subset of the invoke response we consume
type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// NewBedrockModel creates a Bedrock-backed chat model
func NewBedrockModel(ctx context.Context, cfg BedrockConfig, logger observability.Logger) (*BedrockModel, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.DefaultMaxTokens == 0 {
		cfg.DefaultMaxTokens = 2048
	}
	if logger == nil {
		logger = observability.NewLogger("chat.bedrock")
	}

	var awsCfg aws.Config
	var err error
	if cfg.Profile != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithSharedConfigProfile(cfg.Profile),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return &BedrockModel{
		client: bedrockruntime.NewFromConfig(awsCfg),
		config: cfg,
		logger: logger,
	}, nil
}

// Complete sends a single-turn prompt and returns the model's text
func (m *BedrockModel) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if maxTokens <= 0 {
		maxTokens = m.config.DefaultMaxTokens
	}

	body, err := json.Marshal(anthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Temperature:      temperature,
		Messages: []anthropicMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	output, err := m.client.InvokeModel(timeoutCtx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(m.config.ModelID),
		Body:        body,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("bedrock invoke failed: %w", err)
	}

	var response anthropicResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return "", fmt.Errorf("failed to decode bedrock response: %w", err)
	}
	if len(response.Content) == 0 {
		return "", fmt.Errorf("bedrock response contained no content blocks")
	}

	m.logger.Debug("model call completed", map[string]interface{}{
		"model_id":    m.config.ModelID,
		"duration_ms": time.Since(start).Milliseconds(),
		"stop_reason": response.StopReason,
	})
	return response.Content[0].Text, nil
}
