package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/zylin-ai/call-core/core/understanding"
	"go.opentelemetry.io/otel/attribute"
)

const systemPromptTemplate = `You are the phone receptionist for a small business. You hear one caller
utterance at a time, with the conversation so far and the booking fields
already collected. Decide the caller's intent, extract any new booking
fields, and write the next thing to say out loud. Keep replies to one or
two short spoken sentences. Never invent field values the caller did not
say. If the caller revises something they said earlier, put that field
name in corrected_fields. Set booking_complete only when name, phone,
date and time are all collected and the caller has confirmed. Set
needs_escalation when the caller has an urgent problem a human must
handle.

Business context:
%s`

// understandingPayload is the JSON shape the model is constrained to produce.
type understandingPayload struct {
	Intent          string               `json:"intent" jsonschema:"enum=faq,enum=booking,enum=urgent,enum=other"`
	Reply           string               `json:"reply"`
	Fields          understanding.Fields `json:"fields"`
	CorrectedFields []string             `json:"corrected_fields"`
	BookingComplete bool                 `json:"booking_complete"`
	NeedsEscalation bool                 `json:"needs_escalation"`
}

// Understand classifies one utterance and produces the reply for it. Safe for
// concurrent use across sessions; a session must not call it concurrently for
// itself.
func (c *Client) Understand(ctx context.Context, request understanding.Request, opts ...understanding.UnderstandOption) (*understanding.Response, error) {
	ctx, span := tracer.Start(ctx, "understand utterance")
	defer span.End()

	options := understanding.UnderstandOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	messages := c.toMessages(request)

	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(understandingPayload{})

	reqBody := chatRequestBody{
		Model:    c.model,
		Messages: messages,
		ResponseFormat: &chatResponseFormat{
			Type: "json_schema",
			JSONSchema: &responseJSONSchema{
				Name:   "understanding",
				Schema: *schema,
				Strict: true,
			},
		},
	}

	span.SetAttributes(attribute.String("request.model", c.model))

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		err = fmt.Errorf("error marshalling request: %w", err)
		span.RecordError(err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		err = fmt.Errorf("error creating HTTP request: %w", err)
		span.RecordError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("error sending request: %w", err)
		span.RecordError(err)
		return nil, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		if errorBody, readErr := io.ReadAll(resp.Body); readErr == nil {
			span.SetAttributes(attribute.String("response.error", string(errorBody)))
		}
		err := fmt.Errorf("non-OK HTTP status: %s", resp.Status)
		span.RecordError(err)
		return nil, err
	}

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("error reading response body: %w", err)
		span.RecordError(err)
		return nil, err
	}
	var responseBody chatResponseBody
	if err := json.Unmarshal(respBodyBytes, &responseBody); err != nil {
		err = fmt.Errorf("error unmarshalling response: %w", err)
		span.RecordError(err)
		return nil, err
	}
	if len(responseBody.Choices) == 0 {
		err := fmt.Errorf("response contains no choices")
		span.RecordError(err)
		return nil, err
	}

	content := responseBody.Choices[0].Message.Content
	if split := strings.Split(content, "```"); len(split) > 1 {
		content = split[1]
	}
	var payload understandingPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		err = fmt.Errorf("error unmarshalling structured content: %w", err)
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("understanding.intent", payload.Intent))
	if responseBody.Usage != nil {
		span.SetAttributes(
			attribute.Int("usage.prompt_tokens", responseBody.Usage.PromptTokens),
			attribute.Int("usage.completion_tokens", responseBody.Usage.CompletionTokens),
		)
	}

	if options.ReplyFragmentCallback != nil && payload.Reply != "" {
		options.ReplyFragmentCallback(payload.Reply)
	}

	return &understanding.Response{
		Intent:          understanding.Intent(payload.Intent),
		Reply:           payload.Reply,
		UpdatedFields:   payload.Fields,
		CorrectedFields: payload.CorrectedFields,
		BookingComplete: payload.BookingComplete,
		NeedsEscalation: payload.NeedsEscalation,
	}, nil
}

func (c *Client) toMessages(request understanding.Request) []message {
	messages := []message{{
		Role:    messageRoleSystem,
		Content: fmt.Sprintf(systemPromptTemplate, c.businessContext),
	}}
	for _, exchange := range request.History {
		messages = append(messages,
			message{Role: messageRoleUser, Content: exchange.Caller},
			message{Role: messageRoleAssistant, Content: exchange.Assistant},
		)
	}

	stateJSON, _ := json.Marshal(request.State)
	messages = append(messages, message{
		Role: messageRoleUser,
		Content: fmt.Sprintf("Collected fields so far: %s\n\nCaller says: %s",
			string(stateJSON), request.Transcript),
	})
	return messages
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

type message struct {
	Role    messageRole `json:"role"`
	Content string      `json:"content"`
}

type chatRequestBody struct {
	Model          string              `json:"model"`
	Messages       []message           `json:"messages"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponseFormat struct {
	Type       string              `json:"type"`
	JSONSchema *responseJSONSchema `json:"json_schema,omitempty"`
}

type responseJSONSchema struct {
	Name string `json:"name"`
	// Schema constrains the content of the completion to the reflected
	// payload shape.
	Schema jsonschema.Schema `json:"schema"`
	Strict bool              `json:"strict"`
}

type chatResponseBody struct {
	Choices []struct {
		Message struct {
			Role         string  `json:"role,omitempty"`
			Content      string  `json:"content,omitempty"`
			FinishReason *string `json:"finish_reason,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
