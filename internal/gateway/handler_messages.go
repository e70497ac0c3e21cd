package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/compresr/antigravity-gateway/external"
	"github.com/compresr/antigravity-gateway/internal/accounts"
	"github.com/compresr/antigravity-gateway/internal/adapters"
	"github.com/compresr/antigravity-gateway/internal/monitoring"
	"github.com/compresr/antigravity-gateway/internal/ratelimit"
	"github.com/compresr/antigravity-gateway/internal/retry"
)

// =============================================================================
// MESSAGES - The request orchestrator
// =============================================================================

// handleMessages serves POST /v1/messages.
//
// Order: decode, warmup intercept, authenticate, background downgrade,
// attempt loop (select account, resolve project, transcode, call backend),
// then relay the stream as JSON or SSE. The backend is always called in
// streaming mode; non-streaming clients get the accumulated message.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := &requestState{
		TraceID:    monitoring.TraceIDFromContext(ctx),
		ClientIP:   getClientIP(r),
		ReceivedAt: g.now(),
	}
	if st.TraceID == "" {
		st.TraceID = newTraceID()
	}
	logger := monitoring.FromContext(ctx)

	req, err := decodeMessagesRequest(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	st.Request, st.Stream = req, req.Stream

	if isWarmup(req) {
		st.Warmup = true
		g.writeWarmup(w, st)
		g.record(st, http.StatusOK, nil)
		return
	}

	st.APIKey = apiKeyFromRequest(r)
	if !g.authorized(st.APIKey) {
		g.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
		g.record(st, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}

	if task := detectBackgroundTask(req); task != "" {
		st.BackgroundTask = string(task)
		st.ModelHint = downgradeModel(task)
		st.Request = stripThinking(req)
		g.metrics.RecordDowngrade(st.BackgroundTask)
		w.Header().Set(HeaderBackgroundTask, st.BackgroundTask)
		w.Header().Set(HeaderModelDowngraded, "true")
		logger.Info().
			Str("task", st.BackgroundTask).
			Str("from", req.Model).
			Str("to", st.ModelHint).
			Msg("background task downgraded")
	}
	st.SessionKey = sessionKey(req)

	logger.Info().
		Str("model", req.Model).
		Bool("stream", st.Stream).
		Int("messages", len(req.Messages)).
		Str("session", st.SessionKey).
		Msg("messages request")

	call, err := retry.Do(ctx, g.executor, func(ctx context.Context, attempt int, rotate bool) (*upstreamCall, error) {
		st.Attempts = attempt + 1
		return g.attempt(ctx, st, rotate, logger)
	})
	if err != nil {
		status, msg := failure(err)
		logger.Error().Err(err).Int("status", status).Int("attempts", st.Attempts).Msg("messages request failed")
		g.writeError(w, status, msg)
		g.record(st, status, err)
		return
	}
	defer call.stream.Body.Close()

	st.CredentialID = call.credential.ID
	st.MappedModel = call.transcoded.Model
	st.Thinking = call.transcoded.ThinkingEnabled

	w.Header().Set(HeaderTraceID, st.TraceID)
	w.Header().Set(HeaderCredentialID, st.CredentialID)
	w.Header().Set(HeaderEnhanced, "true")

	t := adapters.NewStreamTranscoder(st.SessionKey, g.signatures,
		adapters.WithStreamClock(g.now),
		adapters.WithStreamLogger(logger),
	)

	status := http.StatusOK
	if st.Stream {
		err = g.relayStream(ctx, w, st, call, t)
	} else {
		status, err = g.relayMessage(ctx, w, st, call, t)
	}
	if err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Str("endpoint", call.stream.Endpoint).Msg("backend stream ended with an error")
	}

	st.Signatures = t.CapturedSignatures()
	g.metrics.RecordSignatures(st.Signatures)
	stats := g.signatures.Stats()
	g.metrics.SetSignatureCacheEntries(stats.ScopeSignatures + stats.ToolSignatures)
	g.record(st, status, err)
}

// attempt runs one backend call on a freshly selected account.
func (g *Gateway) attempt(ctx context.Context, st *requestState, rotate bool, logger zerolog.Logger) (*upstreamCall, error) {
	hint := st.ModelHint
	if hint == "" {
		hint = st.Request.Model
	}
	cred, err := g.selectCredential(ctx, st, adapters.MapModel(hint), rotate, logger)
	if err != nil {
		return nil, retry.Stop(err)
	}

	project := cred.ProjectID
	if project == "" {
		project = g.client.ResolveProject(ctx, cred.ID, cred.AccessToken, cred.ProxyURL)
	}

	tc := g.transcoder.Transcode(st.Request, st.ModelHint, st.SessionKey)
	for _, warning := range tc.Warnings {
		logger.Warn().Str("credential", cred.ID).Msg(warning)
	}

	start := time.Now()
	stream, err := g.client.StreamGenerate(ctx, external.GenerateParams{
		AccessToken: cred.AccessToken,
		ProxyURL:    cred.ProxyURL,
		Project:     project,
		Model:       tc.Model,
		SessionID:   st.SessionKey,
		Request:     tc.Request,
	})

	status := http.StatusOK
	endpoint := ""
	if err != nil {
		status, _ = retry.Classify(err)
	} else {
		endpoint = stream.Endpoint
	}
	var herr *external.HTTPError
	if errors.As(err, &herr) {
		endpoint = herr.Endpoint
	}
	g.metrics.RecordUpstreamAttempt(status)
	g.requestLogger.LogUpstream(&monitoring.UpstreamInfo{
		TraceID:      st.TraceID,
		Attempt:      st.Attempts,
		CredentialID: cred.ID,
		Model:        tc.Model,
		Endpoint:     endpoint,
		StatusCode:   status,
		Latency:      time.Since(start),
		Err:          err,
	})

	if err != nil {
		if herr != nil {
			g.alerts.FlagUpstreamError(st.TraceID, cred.ID, herr.Status, truncateMessage(herr.Body))
			if ratelimit.Classifiable(herr.Status) {
				c := g.limits.Classify(cred.ID, herr.Status, herr.RetryAfter, herr.Body, tc.Model)
				g.metrics.RecordClassification(string(c.Reason))
				g.accounts.ForgetSession(st.SessionKey)
				logger.Warn().
					Str("credential", cred.ID).
					Str("reason", string(c.Reason)).
					Int("lockout_sec", c.RetryAfterSec).
					Msg("account rate limited")
				if c.ShouldStop {
					g.alerts.FlagQuotaExhausted(st.TraceID, cred.ID, c.RetryAfterSec)
					return nil, retry.Stop(err)
				}
			}
		}
		return nil, err
	}

	g.limits.MarkSuccess(cred.ID)
	return &upstreamCall{stream: stream, credential: cred, transcoded: tc}, nil
}

// selectCredential asks the pool for an account. When none is free it waits
// briefly and asks again, then clears every lockout and asks a last time.
func (g *Gateway) selectCredential(ctx context.Context, st *requestState, model string, rotate bool, logger zerolog.Logger) (*accounts.Credential, error) {
	cred, err := g.accounts.Select(ctx, st.APIKey, st.SessionKey, model, rotate)
	if !errors.Is(err, accounts.ErrNoAvailableAccounts) {
		return cred, err
	}
	g.metrics.RecordNoAccounts()
	logger.Warn().Str("model", model).Msg("no available accounts, pausing before retry")

	if werr := g.executor.Wait(ctx, accountSelectionPause); werr != nil {
		return nil, werr
	}
	cred, err = g.accounts.Select(ctx, st.APIKey, st.SessionKey, model, rotate)
	if !errors.Is(err, accounts.ErrNoAvailableAccounts) {
		return cred, err
	}

	minWait, _ := g.limits.MinResetSeconds()
	cleared := g.limits.ClearAll()
	logger.Warn().Int("cleared", cleared).Int("min_wait_sec", minWait).Msg("still no available accounts, clearing rate limits")

	cred, err = g.accounts.Select(ctx, st.APIKey, st.SessionKey, model, rotate)
	if errors.Is(err, accounts.ErrNoAvailableAccounts) {
		g.alerts.FlagNoAccounts(st.TraceID, minWait)
	}
	return cred, err
}

// relayStream forwards translated events as SSE, flushing each one.
func (g *Gateway) relayStream(ctx context.Context, w http.ResponseWriter, st *requestState, call *upstreamCall, t *adapters.StreamTranscoder) error {
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	return adapters.Pipe(ctx, call.stream.Body, t, func(ev adapters.Event) error {
		frame, err := ev.SSE()
		if err != nil {
			return err
		}
		if d := g.config.Server.WriteTimeout; d > 0 {
			_ = rc.SetWriteDeadline(time.Now().Add(d))
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		st.observe(ev)
		return nil
	})
}

// relayMessage drains the stream into one JSON message.
func (g *Gateway) relayMessage(ctx context.Context, w http.ResponseWriter, st *requestState, call *upstreamCall, t *adapters.StreamTranscoder) (int, error) {
	resp, err := adapters.Accumulate(ctx, call.stream.Body, t)
	if err != nil {
		if ctx.Err() == nil {
			g.writeError(w, http.StatusBadGateway, "backend stream interrupted: "+err.Error())
		}
		return http.StatusBadGateway, err
	}
	st.Usage = resp.Usage
	writeJSON(w, http.StatusOK, resp)
	return http.StatusOK, nil
}

// observe keeps the usage reported by stream events.
func (st *requestState) observe(ev adapters.Event) {
	switch ev.Type {
	case adapters.EventMessageStart:
		if ev.Message != nil {
			st.Usage.InputTokens = ev.Message.Usage.InputTokens
		}
	case adapters.EventMessageDelta:
		if ev.Usage.InputTokens > 0 {
			st.Usage.InputTokens = ev.Usage.InputTokens
		}
		st.Usage.OutputTokens = ev.Usage.OutputTokens
	}
}

// record writes the telemetry event for a finished request.
func (g *Gateway) record(st *requestState, status int, err error) {
	if !g.tracker.Enabled() {
		return
	}
	ev := &monitoring.RequestEvent{
		TraceID:        st.TraceID,
		Timestamp:      st.ReceivedAt,
		Path:           "/v1/messages",
		ClientIP:       st.ClientIP,
		Stream:         st.Stream,
		CredentialID:   st.CredentialID,
		Attempts:       st.Attempts,
		StatusCode:     status,
		Success:        err == nil && status < 400,
		Warmup:         st.Warmup,
		BackgroundTask: st.BackgroundTask,
		ThinkingUsed:   st.Thinking,
		SignaturesSeen: st.Signatures,
		MappedModel:    st.MappedModel,
		TotalLatencyMs: g.now().Sub(st.ReceivedAt).Milliseconds(),
		InputTokens:    st.Usage.InputTokens,
		OutputTokens:   st.Usage.OutputTokens,
	}
	if st.Request != nil {
		ev.Model = st.Request.Model
	}
	if err != nil {
		ev.Error = truncateMessage(err.Error())
	}
	g.tracker.RecordRequest(ev)
}
