// Package chat expõe a operação "create chat completion" da API remota sobre o
// Dispatcher. Só monta o corpo e decodifica a resposta; fila, token, limites e
// retry ficam no pipeline.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"dispatch-gateway/dispatch/domain"
)

const CompletionsPath = "/v1/chat/completions"

// Doer é a interface estreita do Dispatcher usada aqui.
type Doer interface {
	Do(ctx context.Context, req domain.Request) (domain.Response, error)
}

type Client struct {
	d Doer
}

func New(d Doer) *Client {
	return &Client{d: d}
}

// Params descreve uma chamada; Extra é mesclado no corpo e não sobrescreve
// model, messages e temperature.
type Params struct {
	Model       string
	Messages    []openai.ChatCompletionMessage
	Temperature *float32
	Extra       map[string]any
}

// CreateChatCompletion envia POST /v1/chat/completions e decodifica a resposta.
func (c *Client) CreateChatCompletion(ctx context.Context, p Params) (openai.ChatCompletionResponse, error) {
	var out openai.ChatCompletionResponse

	body, err := buildBody(p)
	if err != nil {
		return out, err
	}

	_, err = c.d.Do(ctx, domain.Request{
		Method: http.MethodPost,
		Path:   CompletionsPath,
		Route:  CompletionsPath,
		Body:   body,
		Result: &out,
	})
	return out, err
}

// Complete é o atalho de uma mensagem de usuário que devolve o texto da primeira escolha.
func (c *Client) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := c.CreateChatCompletion(ctx, Params{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &domain.DecodeError{Err: errors.New("completion has no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

func buildBody(p Params) (json.RawMessage, error) {
	if p.Model == "" {
		return nil, errors.New("model is required")
	}
	if len(p.Messages) == 0 {
		return nil, errors.New("at least one message is required")
	}

	body := make(map[string]any, len(p.Extra)+3)
	for k, v := range p.Extra {
		body[k] = v
	}
	body["model"] = p.Model
	body["messages"] = p.Messages
	if p.Temperature != nil {
		body["temperature"] = *p.Temperature
	} else {
		delete(body, "temperature")
	}
	return json.Marshal(body)
}
