package openai

import (
	"context"
	"io"
	"net/http"
	"time"

	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/handlers/common"
	"ag2api-go/internal/models"
	"ag2api-go/internal/pool"
	"ag2api-go/internal/upstream"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Handler serves the OpenAI chat-completions dialect.
type Handler struct {
	*common.Backend
}

// New builds the handler.
func New(b *common.Backend) *Handler {
	return &Handler{Backend: b}
}

// ListModels serves GET /v1/models.
func (h *Handler) ListModels(c *gin.Context) {
	now := time.Now().Unix()
	data := make([]gin.H, 0)
	for _, id := range models.Exposed() {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  now,
			"owned_by": "antigravity",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// ChatCompletions serves POST /v1/chat/completions, streaming or not.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		common.WriteError(c, apierr.FormatOpenAI,
			apierr.New(400, "invalid_request", "invalid_request_error", "could not read request body"))
		return
	}

	res, err := models.Resolve(gjson.GetBytes(body, "model").String())
	if err != nil {
		common.WriteError(c, apierr.FormatOpenAI,
			apierr.New(404, "model_not_found", "invalid_request_error", err.Error()))
		return
	}

	req, err := h.Translator.OpenAIToUpstream(res.Mapped, body)
	if err != nil {
		common.WriteError(c, apierr.FormatOpenAI, err)
		return
	}

	requestID := upstream.NewRequestID()
	h.NoteTraffic()

	if gjson.GetBytes(body, "stream").Bool() {
		h.streamChat(c, res, requestID, req)
		return
	}

	var out []byte
	dispatchErr := h.Dispatcher.Chat(c.Request.Context(), requestID, res.Exposed, func(ctx context.Context, sel *pool.Selection) error {
		payload, err := h.BuildEnvelope(sel, requestID, req)
		if err != nil {
			return err
		}
		respBody, err := h.Client.Generate(ctx, sel.AccessToken, payload)
		if err != nil {
			h.MaybeNotifyVersionOutdated(err)
			return err
		}
		h.ReportRequest(sel, requestID)
		out, err = h.Translator.UpstreamToOpenAI(res.Exposed, requestID, respBody)
		return err
	})
	if dispatchErr != nil {
		common.WriteError(c, apierr.FormatOpenAI, dispatchErr)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (h *Handler) streamChat(c *gin.Context, res models.Resolution, requestID string, req *upstream.Request) {
	var sse *common.SSEWriter

	dispatchErr := h.Dispatcher.Chat(c.Request.Context(), requestID, res.Exposed, func(ctx context.Context, sel *pool.Selection) error {
		payload, err := h.BuildEnvelope(sel, requestID, req)
		if err != nil {
			return err
		}
		resp, err := h.Client.Stream(ctx, sel.AccessToken, payload)
		if err != nil {
			h.MaybeNotifyVersionOutdated(err)
			return err
		}
		defer resp.Body.Close()
		h.ReportRequest(sel, requestID)

		// Headers go out only after upstream accepted the call, so earlier
		// failures still return a JSON error and stay retryable.
		if sse == nil {
			sse = common.NewSSEWriter(c)
		}
		enc := h.Translator.NewOpenAIStream(res.Exposed, requestID)
		scanErr := common.ScanSSE(resp.Body, func(data []byte) error {
			for _, chunk := range enc.Next(data) {
				sse.Data(chunk)
			}
			return nil
		})
		if scanErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !sse.Wrote() {
				return scanErr
			}
			// The client already saw output; close out instead of retrying
			// on another account.
			log.WithField("request_id", requestID).WithError(scanErr).Warn("stream truncated")
		}
		for _, chunk := range enc.Finish() {
			sse.Data(chunk)
		}
		sse.Done()
		return nil
	})

	if dispatchErr != nil && (sse == nil || !sse.Wrote()) {
		common.WriteError(c, apierr.FormatOpenAI, dispatchErr)
	}
}
