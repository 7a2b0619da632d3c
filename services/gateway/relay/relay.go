// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay forwards a chunked upstream generation response to a
// callback, one chunk at a time.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
)

var tracer = otel.Tracer("aleutian.chat.relay")

// streamPath is appended to the generation service base URL.
const streamPath = "/chat/stream"

// =============================================================================
// Types
// =============================================================================

// Message is one prior turn sent as history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one generation call.
type Request struct {
	Message      string
	PrevMessages []Message
	Model        string
}

// upstreamRequest is the wire body of POST /chat/stream.
type upstreamRequest struct {
	Message      string    `json:"message"`
	Model        string    `json:"model,omitempty"`
	PrevMessages []Message `json:"prev_messages,omitempty"`
}

// ChunkFunc receives each decoded chunk in upstream order. A non-nil return
// stops the relay with that error.
type ChunkFunc func(chunk string) error

// Config holds relay settings.
type Config struct {
	// BaseURL of the generation service, e.g. http://llm:5000.
	BaseURL string

	// HTTPClient must not set a Timeout; task contexts bound each call.
	HTTPClient *http.Client

	// BufferSize bounds a single read. Default 4096.
	BufferSize int

	// FailureThreshold is the number of consecutive upstream failures that
	// opens the circuit. Default 5.
	FailureThreshold uint

	// BreakerDelay is how long the circuit stays open. Default 30s.
	BreakerDelay time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Relay streams generation output.
//
// # Description
//
// Each Stream call is one POST to the generation service. The request is
// bound to the caller's context, so cancellation interrupts the socket read
// at the transport. A circuit breaker guards the open step: transport errors
// and 5xx responses count as failures and, past the threshold, calls fail
// fast with UpstreamFailure until the breaker half-opens.
//
// # Thread Safety
//
// Safe for concurrent use.
type Relay struct {
	url     string
	client  *http.Client
	cfg     Config
	logger  *slog.Logger
	breaker circuitbreaker.CircuitBreaker[*http.Response]
}

// New creates a relay for cfg.BaseURL.
func New(cfg Config) *Relay {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "streaming_relay")

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return resp != nil && resp.StatusCode >= http.StatusInternalServerError
		}).
		WithFailureThreshold(cfg.FailureThreshold).
		WithDelay(cfg.BreakerDelay).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.Warn("Generation service circuit changed state",
				"from", e.OldState.String(), "to", e.NewState.String())
		}).
		Build()

	return &Relay{
		url:     strings.TrimRight(cfg.BaseURL, "/") + streamPath,
		client:  cfg.HTTPClient,
		cfg:     cfg,
		logger:  logger,
		breaker: breaker,
	}
}

// Stream relays one generation response to onChunk.
//
// # Description
//
// Fails fast if ctx is already done. Otherwise posts the request and reads
// the body incrementally. Before each chunk is handed over, ctx is checked
// again, so forwarding stops within one chunk of cancellation. Multi-byte
// runes split across reads are held back until complete. The response body
// is closed exactly once on every exit path.
//
// # Inputs
//
//   - ctx: Task context. Its cancellation is the only stop signal.
//   - req: Prompt, history and optional model.
//   - onChunk: Receives chunks in upstream order.
//
// # Outputs
//
//   - error: nil on EOF. TaskCancelled when ctx ended. UpstreamFailure for
//     transport errors, non-2xx status (embedded in the message) or an open
//     circuit. Any error returned by onChunk, unchanged.
func (r *Relay) Stream(ctx context.Context, req Request, onChunk ChunkFunc) (err error) {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}

	ctx, span := tracer.Start(ctx, "relay.Stream",
		trace.WithAttributes(
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.prev_messages", len(req.PrevMessages)),
		),
	)
	start := time.Now()
	defer func() {
		status := "success"
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case datatypes.IsCancellation(err):
			status = "cancelled"
			span.SetStatus(codes.Error, "cancelled")
		default:
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.cfg.Metrics.RecordStreamDuration(time.Since(start), status)
		span.End()
	}()

	body, err := json.Marshal(upstreamRequest{
		Message:      req.Message,
		Model:        req.Model,
		PrevMessages: req.PrevMessages,
	})
	if err != nil {
		return datatypes.WrapError(datatypes.KindInternal, err, "encode generation request")
	}

	resp, err := failsafe.With[*http.Response](r.breaker).WithContext(ctx).Get(func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return r.client.Do(httpReq)
	})
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return datatypes.WrapError(datatypes.KindUpstreamFailure, err, "generation service unavailable")
		}
		return datatypes.WrapError(datatypes.KindUpstreamFailure, err, "generation service request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		r.logger.Warn("Generation service returned error status",
			"status", resp.StatusCode, "body", strings.TrimSpace(string(detail)))
		return datatypes.NewError(datatypes.KindUpstreamFailure,
			"generation service returned status %d", resp.StatusCode)
	}

	return r.pump(ctx, resp.Body, onChunk, start)
}

// pump reads body until EOF, forwarding complete UTF-8 text.
func (r *Relay) pump(ctx context.Context, body io.Reader, onChunk ChunkFunc, start time.Time) error {
	buf := make([]byte, r.cfg.BufferSize)
	var (
		carry []byte
		first = true
	)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				return cancelled(ctx)
			}
			data := append(carry, buf[:n]...)
			text, rest := splitUTF8(data)
			carry = append([]byte(nil), rest...)
			if text != "" {
				if first {
					r.cfg.Metrics.RecordTimeToFirstChunk(time.Since(start))
					first = false
				}
				if err := onChunk(text); err != nil {
					return err
				}
			}
		}

		if readErr == nil {
			continue
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		if !errors.Is(readErr, io.EOF) {
			return datatypes.WrapError(datatypes.KindUpstreamFailure, readErr, "read generation stream")
		}
		if len(carry) > 0 {
			return onChunk(string(carry))
		}
		return nil
	}
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte rune, and the remaining bytes.
func splitUTF8(b []byte) (string, []byte) {
	end := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				end = i
			}
			break
		}
	}
	return string(b[:end]), b[end:]
}

// cancelled converts ctx's cause into the single cancellation error kind.
func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if datatypes.IsCancellation(cause) {
		var e *datatypes.Error
		if errors.As(cause, &e) {
			return e
		}
	}
	return datatypes.WrapError(datatypes.KindTaskCancelled, cause, "stream cancelled")
}
