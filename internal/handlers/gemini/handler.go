package gemini

import (
	"context"
	"io"
	"net/http"
	"strings"

	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/handlers/common"
	"ag2api-go/internal/models"
	"ag2api-go/internal/pool"
	"ag2api-go/internal/upstream"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Handler serves the Gemini native dialect under /v1beta.
type Handler struct {
	*common.Backend
}

func New(b *common.Backend) *Handler {
	return &Handler{Backend: b}
}

// ListModels serves GET /v1beta/models.
func (h *Handler) ListModels(c *gin.Context) {
	out := make([]gin.H, 0)
	for _, id := range models.Exposed() {
		out = append(out, gin.H{
			"name":                       "models/" + id,
			"displayName":                id,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent", "countTokens"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

// ModelAction routes /v1beta/models/{model}:{action}. Gin cannot split on the
// colon, so the whole segment arrives as one parameter.
func (h *Handler) ModelAction(c *gin.Context) {
	seg := c.Param("modelAction")
	model, action, ok := strings.Cut(seg, ":")
	if !ok {
		common.WriteError(c, apierr.FormatGemini,
			apierr.New(404, "not_found", "NOT_FOUND", "unknown model action"))
		return
	}

	res, err := models.Resolve(model)
	if err != nil {
		common.WriteError(c, apierr.FormatGemini,
			apierr.New(404, "model_not_found", "NOT_FOUND", err.Error()))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		common.WriteError(c, apierr.FormatGemini,
			apierr.New(400, "invalid_request", "INVALID_ARGUMENT", "could not read request body"))
		return
	}

	switch action {
	case "generateContent":
		h.generate(c, res, body, false)
	case "streamGenerateContent":
		h.generate(c, res, body, true)
	case "countTokens":
		h.countTokens(c, res, body)
	default:
		common.WriteError(c, apierr.FormatGemini,
			apierr.New(404, "not_found", "NOT_FOUND", "unsupported action: "+action))
	}
}

func (h *Handler) generate(c *gin.Context, res models.Resolution, body []byte, stream bool) {
	req, err := h.Translator.GeminiToUpstream(res.Mapped, body)
	if err != nil {
		common.WriteError(c, apierr.FormatGemini, err)
		return
	}

	requestID := upstream.NewRequestID()
	h.NoteTraffic()

	if stream {
		h.streamGenerate(c, res, requestID, req)
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
		out, err = h.Translator.UpstreamToGemini(res.Exposed, respBody)
		return err
	})
	if dispatchErr != nil {
		common.WriteError(c, apierr.FormatGemini, dispatchErr)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (h *Handler) streamGenerate(c *gin.Context, res models.Resolution, requestID string, req *upstream.Request) {
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
		enc := h.Translator.NewGeminiStream(res.Exposed)
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
			log.WithField("request_id", requestID).WithError(scanErr).Warn("stream truncated")
		}
		return nil
	})

	if dispatchErr != nil && (sse == nil || !sse.Wrote()) {
		common.WriteError(c, apierr.FormatGemini, dispatchErr)
	}
}

func (h *Handler) countTokens(c *gin.Context, res models.Resolution, body []byte) {
	req, err := h.Translator.GeminiToUpstream(res.Mapped, body)
	if err != nil {
		common.WriteError(c, apierr.FormatGemini, err)
		return
	}

	requestID := upstream.NewRequestID()
	h.NoteTraffic()

	var out []byte
	dispatchErr := h.Dispatcher.CountTokens(c.Request.Context(), requestID, res.Exposed, func(ctx context.Context, sel *pool.Selection) error {
		payload, err := h.BuildCountEnvelope(sel, req)
		if err != nil {
			return err
		}
		respBody, err := h.Client.CountTokens(ctx, sel.AccessToken, payload)
		if err != nil {
			return err
		}
		out, err = h.Translator.UpstreamToGemini(res.Exposed, respBody)
		return err
	})
	if dispatchErr != nil {
		common.WriteError(c, apierr.FormatGemini, dispatchErr)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}
