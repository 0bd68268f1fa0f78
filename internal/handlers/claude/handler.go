package claude

import (
	"context"
	"io"
	"net/http"

	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/handlers/common"
	"ag2api-go/internal/models"
	"ag2api-go/internal/pool"
	"ag2api-go/internal/upstream"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Handler serves the Anthropic messages dialect.
type Handler struct {
	*common.Backend
}

func New(b *common.Backend) *Handler {
	return &Handler{Backend: b}
}

// Messages serves POST /v1/messages, streaming or not.
func (h *Handler) Messages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		common.WriteError(c, apierr.FormatClaude,
			apierr.New(400, "invalid_request", "invalid_request_error", "could not read request body"))
		return
	}

	res, err := models.Resolve(gjson.GetBytes(body, "model").String())
	if err != nil {
		common.WriteError(c, apierr.FormatClaude,
			apierr.New(404, "model_not_found", "invalid_request_error", err.Error()))
		return
	}

	req, err := h.Translator.ClaudeToUpstream(res.Mapped, body)
	if err != nil {
		common.WriteError(c, apierr.FormatClaude, err)
		return
	}

	requestID := upstream.NewRequestID()
	h.NoteTraffic()

	if gjson.GetBytes(body, "stream").Bool() {
		h.streamMessages(c, res, requestID, req)
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
		out, err = h.Translator.UpstreamToClaude(res.Exposed, requestID, respBody)
		return err
	})
	if dispatchErr != nil {
		common.WriteError(c, apierr.FormatClaude, dispatchErr)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (h *Handler) streamMessages(c *gin.Context, res models.Resolution, requestID string, req *upstream.Request) {
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

		if sse == nil {
			sse = common.NewSSEWriter(c)
		}
		enc := h.Translator.NewClaudeStream(res.Exposed, requestID)
		scanErr := common.ScanSSE(resp.Body, func(data []byte) error {
			for _, ev := range enc.Next(data) {
				sse.Event(ev.Type, ev.Data)
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
			log.WithField("request_id", requestID).WithError(scanErr).Warn("stream truncated")
		}
		for _, ev := range enc.Finish() {
			sse.Event(ev.Type, ev.Data)
		}
		return nil
	})

	if dispatchErr != nil && (sse == nil || !sse.Wrote()) {
		common.WriteError(c, apierr.FormatClaude, dispatchErr)
	}
}

// CountTokens serves POST /v1/messages/count_tokens.
func (h *Handler) CountTokens(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		common.WriteError(c, apierr.FormatClaude,
			apierr.New(400, "invalid_request", "invalid_request_error", "could not read request body"))
		return
	}

	res, err := models.Resolve(gjson.GetBytes(body, "model").String())
	if err != nil {
		common.WriteError(c, apierr.FormatClaude,
			apierr.New(404, "model_not_found", "invalid_request_error", err.Error()))
		return
	}

	req, err := h.Translator.ClaudeToUpstream(res.Mapped, body)
	if err != nil {
		common.WriteError(c, apierr.FormatClaude, err)
		return
	}

	requestID := upstream.NewRequestID()
	h.NoteTraffic()

	var total int64
	dispatchErr := h.Dispatcher.CountTokens(c.Request.Context(), requestID, res.Exposed, func(ctx context.Context, sel *pool.Selection) error {
		payload, err := h.BuildCountEnvelope(sel, req)
		if err != nil {
			return err
		}
		respBody, err := h.Client.CountTokens(ctx, sel.AccessToken, payload)
		if err != nil {
			return err
		}
		total = gjson.GetBytes(respBody, "totalTokens").Int()
		if total == 0 {
			total = gjson.GetBytes(respBody, "response.totalTokens").Int()
		}
		return nil
	})
	if dispatchErr != nil {
		common.WriteError(c, apierr.FormatClaude, dispatchErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": total})
}
