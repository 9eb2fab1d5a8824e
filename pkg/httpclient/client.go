// Package httpclient fornece o cliente HTTP com retry em nível de transporte
// usado pelos adapters de webhook e custom API.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout limita cada requisição, incluindo retries.
	DefaultTimeout = 30 * time.Second

	// maxDrainSize limita quanto do corpo é drenado antes de um retry.
	maxDrainSize = 1 << 20
)

// HTTPClient é o contrato mínimo consumido pelos adapters.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryPolicy decide se a requisição deve ser repetida.
type RetryPolicy func(err error, resp *http.Response) bool

// DefaultRetryPolicy repete em erro de rede, 5xx e 429. Não repete erros de
// contexto (cancelamento ou deadline) nem 4xx.
func DefaultRetryPolicy(err error, resp *http.Response) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return true
	}
	if resp == nil {
		return false
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

type retryableTransport struct {
	transport   http.RoundTripper
	retryCount  int
	retryPolicy RetryPolicy
	backoff     time.Duration
	timeout     time.Duration
}

// Option configura o cliente.
type Option func(*retryableTransport)

// WithMaxRetries define quantas repetições além da primeira tentativa.
func WithMaxRetries(count int) Option {
	return func(t *retryableTransport) {
		if count < 0 {
			count = 0
		}
		t.retryCount = count
	}
}

// WithBackoff define a espera entre tentativas.
func WithBackoff(d time.Duration) Option {
	return func(t *retryableTransport) {
		if d > 0 {
			t.backoff = d
		}
	}
}

// WithTimeout define o teto total da requisição.
func WithTimeout(d time.Duration) Option {
	return func(t *retryableTransport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithRetryPolicy substitui a política de repetição.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(t *retryableTransport) {
		if policy != nil {
			t.retryPolicy = policy
		}
	}
}

// WithTransport substitui o transporte base.
func WithTransport(rt http.RoundTripper) Option {
	return func(t *retryableTransport) {
		if rt != nil {
			t.transport = rt
		}
	}
}

// New cria um cliente HTTP cujo transporte repete requisições conforme a
// política configurada. O corpo é rebuferizado entre tentativas.
func New(options ...Option) HTTPClient {
	transport := &retryableTransport{
		transport:   &http.Transport{},
		retryCount:  0,
		retryPolicy: DefaultRetryPolicy,
		backoff:     time.Second,
		timeout:     DefaultTimeout,
	}
	for _, option := range options {
		option(transport)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   transport.timeout,
	}
}

func (t *retryableTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	retries := 0
	resp, err := t.transport.RoundTrip(req)

	for t.retryPolicy(err, resp) && retries < t.retryCount {
		t.drainBody(resp)

		select {
		case <-time.After(t.backoff):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}

		if req.Body != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		resp, err = t.transport.RoundTrip(req)
		retries++
	}

	return resp, err
}

func (t *retryableTransport) drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainSize))
	resp.Body.Close()
}
