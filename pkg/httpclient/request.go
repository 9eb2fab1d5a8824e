package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// DefaultMaxResponseSize limita o corpo de resposta lido (10MB).
	DefaultMaxResponseSize int64 = 10 * 1024 * 1024

	// errorBodySnippet limita quanto do corpo entra na mensagem de erro.
	errorBodySnippet = 512
)

// StatusError descreve uma resposta não-2xx. Carrega o status e um trecho do
// corpo para diagnóstico.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("httpclient: unexpected status %s", e.Status)
	}
	return fmt.Sprintf("httpclient: unexpected status %s: %s", e.Status, e.Body)
}

// SendJSON serializa o payload como JSON e envia para a URL. Respostas fora
// de 2xx retornam *StatusError com um trecho do corpo.
func SendJSON(ctx context.Context, client HTTPClient, method, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("httpclient: marshal payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httpclient: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, DefaultMaxResponseSize))
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, errorBodySnippet))
		return &StatusError{
			StatusCode: response.StatusCode,
			Status:     response.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	return nil
}

// GetJSON faz um GET e decodifica a resposta JSON em out.
func GetJSON(ctx context.Context, client HTTPClient, url string, headers map[string]string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("httpclient: build request: %w", err)
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, DefaultMaxResponseSize))
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, errorBodySnippet))
		return &StatusError{
			StatusCode: response.StatusCode,
			Status:     response.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, DefaultMaxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("httpclient: decode response: %w", err)
	}
	return nil
}
