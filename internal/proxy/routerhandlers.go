package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaymesh/infergate/internal/providers"
	"github.com/relaymesh/infergate/internal/types"
	"github.com/relaymesh/infergate/pkg/apierr"
)

// RouterHTTP exposes the per-router request path
// (POST /router/{router_id}/v1/chat/completions) on top of a MultiRouter,
// alongside the single-tenant Gateway's fixed /v1/... routes.
type RouterHTTP struct {
	multi *MultiRouter
	log   *slog.Logger
}

// NewRouterHTTP wraps a MultiRouter for registration with StartWithRoutes.
func NewRouterHTTP(multi *MultiRouter, log *slog.Logger) *RouterHTTP {
	if log == nil {
		log = slog.Default()
	}
	return &RouterHTTP{multi: multi, log: log}
}

// Register adds the router-scoped routes to r.
func (h *RouterHTTP) Register(r routeAdder) {
	r.POST("/router/{router_id}/v1/chat/completions", h.handleChat)
	r.POST("/router/{router_id}/v1/completions", h.handleChat)
}

// routeAdder is the subset of *router.Router used here, kept narrow so this
// file doesn't need to import the concrete router package directly.
type routeAdder interface {
	POST(path string, handler fasthttp.RequestHandler)
}

func (h *RouterHTTP) handleChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)
	routerID := types.RouterId(fmt.Sprintf("%v", ctx.UserValue("router_id")))

	rp, err := h.multi.Resolve(routerID)
	if err != nil {
		apierr.WriteNotFound(ctx, fmt.Sprintf("unknown router %q", routerID))
		return
	}

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	userID := string(ctx.Request.Header.Peek("X-User-Id"))

	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
	}

	provCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, servedProvider, fromCache, err := rp.Dispatch(provCtx, proxyReq, userID)
	if err != nil {
		h.log.WarnContext(ctx, "router_dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("router_id", string(routerID)),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		var rle *rateLimitedError
		if errors.As(err, &rle) {
			if ra, ok := rle.RetryAfter(); ok {
				ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%.0f", ra.Seconds()))
			}
			apierr.WriteRateLimit(ctx)
			return
		}
		handleProviderError(ctx, err)
		return
	}

	if req.Stream && resp.Stream != nil {
		writeSSE(ctx, resp, nil)
		return
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{Index: 0, Message: outboundMessage{Role: "assistant", Content: resp.Content}, FinishReason: "stop"},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if fromCache {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.Response.Header.Set("X-Served-Provider", servedProvider.String())
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
