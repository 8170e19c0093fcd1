package transport

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chat-sync-demo/client/internal/models"
	"chat-sync-demo/client/pkg/errors"
	"chat-sync-demo/client/pkg/logger"
	"chat-sync-demo/client/pkg/resilience"
	"chat-sync-demo/client/pkg/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Fallback is the request/response channel used for history, for sends
// while the push channel is down, and for the online count.
type Fallback interface {
	History(ctx context.Context, roomID string, offset, limit int) ([]models.Message, error)
	Send(ctx context.Context, roomID, message string) (SendResult, error)
	OnlineCount(ctx context.Context) (int, error)
}

// SendResult is the reply to a fallback send. Message is set when the server
// echoes the stored message.
type SendResult struct {
	Success bool            `json:"success"`
	Message *models.Message `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// APIOptions configures the HTTP client
type APIOptions struct {
	BaseURL         string
	Timeout         time.Duration
	Header          http.Header
	Rate            float64
	Burst           int
	BreakerFailures uint
	BreakerRetry    time.Duration
	OnBreakerChange func(from, to resilience.State)
	Client          *http.Client
}

// API is the HTTP implementation of Fallback
type API struct {
	baseURL string
	client  *http.Client
	header  http.Header
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer
	log     *logger.Logger
}

// NewAPI creates an HTTP client for the chat server
func NewAPI(opts APIOptions, log *logger.Logger) *API {
	if log == nil {
		log = logger.GetGlobal()
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	breakerCfg := resilience.DefaultConfig("chat-api")
	if opts.BreakerFailures > 0 {
		breakerCfg.FailureThreshold = opts.BreakerFailures
	}
	if opts.BreakerRetry > 0 {
		breakerCfg.RetryTimeout = opts.BreakerRetry
	}
	breakerCfg.IsFailure = isServerFault
	breakerCfg.OnStateChange = opts.OnBreakerChange

	return &API{
		baseURL: opts.BaseURL,
		client:  client,
		header:  opts.Header.Clone(),
		limiter: rate.NewLimiter(limit, burst),
		breaker: resilience.NewCircuitBreaker(breakerCfg, log),
		tracer:  tracing.Tracer("chat-sync-demo/client/transport"),
		log:     log.WithComponent("api"),
	}
}

// History fetches room history, oldest first
func (a *API) History(ctx context.Context, roomID string, offset, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("%s/api/chat/%s/history?%s", a.baseURL, url.PathEscape(roomID), q.Encode())

	var body struct {
		Messages []models.Message `json:"messages"`
	}
	if err := a.do(ctx, "chat.history", http.MethodGet, endpoint, nil, errors.CodeHistoryFailed, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

// Send posts a message through the fallback channel
func (a *API) Send(ctx context.Context, roomID, message string) (SendResult, error) {
	payload, err := json.Marshal(SendPayload{RoomID: roomID, Message: message})
	if err != nil {
		return SendResult{}, err
	}

	var res SendResult
	if err := a.do(ctx, "chat.send", http.MethodPost, a.baseURL+"/api/chat/send", payload, errors.CodeSendFailed, &res); err != nil {
		return res, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "server rejected the message"
		}
		return res, errors.NewRequestError(http.StatusOK, errors.CodeSendFailed, msg)
	}
	return res, nil
}

// OnlineCount fetches the number of users online
func (a *API) OnlineCount(ctx context.Context) (int, error) {
	var body struct {
		Count int `json:"count"`
	}
	if err := a.do(ctx, "chat.online_count", http.MethodGet, a.baseURL+"/api/online_count", nil, errors.CodeOnlineCountFailed, &body); err != nil {
		return 0, err
	}
	return body.Count, nil
}

// BreakerState exposes the circuit breaker state for health reporting
func (a *API) BreakerState() resilience.State {
	return a.breaker.GetState()
}

func (a *API) do(ctx context.Context, name, method, endpoint string, body []byte, code string, out any) (err error) {
	ctx, span := a.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(semconv.HTTPMethodKey.String(method)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, errors.GetErrorMessage(err))
		}
		span.End()
	}()

	if err := a.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, code, "request cancelled")
	}

	return a.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return errors.Wrap(err, code, "build request")
		}
		for k, v := range a.header {
			req.Header[k] = v
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := a.client.Do(req)
		if err != nil {
			a.log.Debug("Request failed", "method", method, "url", endpoint, "error", err.Error())
			return errors.Wrap(err, code, "request failed")
		}
		defer resp.Body.Close()
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(resp.StatusCode))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errors.NewRequestError(resp.StatusCode, code, serverMessage(resp))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, code, "decode response")
		}
		return nil
	})
}

// serverMessage pulls a human readable reason out of an error response
func serverMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if s, ok := body.Error.(string); ok && s != "" {
			return s
		}
		if m, ok := body.Error.(map[string]any); ok {
			if s, ok := m["message"].(string); ok {
				return s
			}
		}
	}
	return fmt.Sprintf("server responded %d", resp.StatusCode)
}

// isServerFault counts transport failures and 5xx responses against the
// breaker. Client errors mean the server is healthy.
func isServerFault(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode >= 500
	}
	return true
}
