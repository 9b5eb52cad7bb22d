package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/episode"
)

// OpenAIOracle implements Oracle and Embedder over any OpenAI-compatible
// chat/embeddings endpoint.
type OpenAIOracle struct {
	client         *openai.Client
	model          string
	embeddingModel string
	timeout        time.Duration
}

// NewOpenAI builds an oracle client from config. The base URL override
// lets local or proxy endpoints stand in for the hosted API.
func NewOpenAI(cfg config.OracleConfig) (*OpenAIOracle, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("oracle: no API key configured")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientConfig.BaseURL = cfg.APIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIOracle{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		timeout:        timeout,
	}, nil
}

// Classify sends the episode transcript to the classifier and parses
// the task segmentation it returns.
func (o *OpenAIOracle) Classify(ctx context.Context, ep *episode.Episode) (*Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifyPrompt},
			{Role: openai.ChatMessageRoleUser, Content: formatEpisode(ep)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: classify call: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in classify response", ErrInvalidResponse)
	}

	var ex Extraction
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &ex); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	// Candidates without their own confidence inherit the extraction's.
	for ti := range ex.Tasks {
		for ci := range ex.Tasks[ti].Candidates {
			if ex.Tasks[ti].Candidates[ci].Confidence == 0 {
				ex.Tasks[ti].Candidates[ci].Confidence = ex.Confidence
			}
		}
	}
	if err := ValidateExtraction(&ex); err != nil {
		return nil, err
	}
	slog.Debug("Oracle classified episode", "episode", ep.ID, "tasks", len(ex.Tasks))
	return &ex, nil
}

// DecideMerge asks whether a candidate duplicates one of the near
// matches. Existing memories are shown only as ordinal handles.
func (o *OpenAIOracle) DecideMerge(ctx context.Context, req *MergeRequest) (*MergeDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("Candidate memory:\n")
	sb.WriteString(req.Candidate.Content)
	sb.WriteString("\n\nExisting similar memories:\n")
	for _, m := range req.Existing {
		fmt.Fprintf(&sb, "[%d] %s\n", m.Handle, m.Content)
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: mergePrompt},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: merge call: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in merge response", ErrInvalidResponse)
	}

	var d MergeDecision
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := ValidateMergeDecision(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Embed returns the embedding vector for one text.
func (o *OpenAIOracle) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embed call: %v", ErrUnavailable, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrInvalidResponse)
	}
	return resp.Data[0].Embedding, nil
}

// formatEpisode renders the episode as a timestamped transcript.
func formatEpisode(ep *episode.Episode) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Repository: %s\nEpisode: %s\n\n", ep.Repo, ep.ID)
	for _, e := range ep.Events {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", e.TS.Format("2006-01-02 15:04:05"), e.Kind, e.Content)
		if len(e.FilePaths) > 0 {
			fmt.Fprintf(&sb, "  files: %s\n", strings.Join(e.FilePaths, ", "))
		}
	}
	return sb.String()
}

const classifyPrompt = `You are a coding-session analyst. You receive a transcript of events from one repository and must segment it into distinct tasks, classify each task's outcome, and extract durable memories.

Respond with JSON only, in exactly this shape:
{
  "tasks": [
    {
      "task": "short description of what was attempted",
      "outcome": "SUCCESS" | "FAILURE" | "UNCERTAIN",
      "evidence": "one sentence citing the transcript",
      "memories": [
        {
          "type": "user_style" | "project_fact" | "pitfall" | "recipe",
          "content": "one atomic, durable fact",
          "importance": "critical" | "high" | "medium" | "low",
          "scope": "repository path or \"global\"",
          "confidence": 0.0-1.0
        }
      ]
    }
  ],
  "confidence": 0.0-1.0
}

Rules:
1. A task is one coherent goal the user pursued. Split on goal changes, not on individual messages.
2. Use SUCCESS only when the transcript shows the goal was reached. Use FAILURE when an approach demonstrably did not work. Use UNCERTAIN when the transcript ends mid-task or the result is unclear.
3. Extract pitfalls from failures (what not to do and why), recipes from successes (reusable steps), project facts from established details, and user_style from stated preferences.
4. Each memory must be atomic, self-contained, and useful weeks later without the transcript.
5. Do not extract secrets, credentials, or transient state like current branch names.
6. Scope a memory "global" only when it is clearly independent of this repository.`

const mergePrompt = `You decide whether a candidate memory duplicates an existing one. You are given the candidate and a numbered list of similar existing memories.

Respond with JSON only:
{"action": "merge" | "skip" | "add", "handle": <number from the list>, "merged_content": "combined text"}

Rules:
1. "merge": the candidate and an existing memory state the same fact; set handle to that memory's number and write merged_content combining all details from both.
2. "skip": the candidate adds nothing over the existing memories.
3. "add": the candidate is a genuinely distinct fact despite the similarity.
4. handle must be one of the listed numbers. Never invent numbers.
5. merged_content must not lose any factual detail from either text.`
