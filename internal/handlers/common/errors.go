package common

import (
	goerrors "errors"
	"net/http"
	"strconv"

	apierr "ag2api-go/internal/errors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// WriteError formats any error in the dialect envelope of the inbound route.
// 429s carry a Retry-After header derived from the retry hint.
func WriteError(c *gin.Context, format apierr.ErrorFormat, err error) {
	var ae *apierr.APIError
	if !goerrors.As(err, &ae) {
		ae = apierr.New(http.StatusInternalServerError, "internal_error", "api_error", err.Error())
	}

	if ae.HTTPStatus == http.StatusTooManyRequests && ae.RetryAfterMs > 0 {
		secs := (ae.RetryAfterMs + 999) / 1000
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
	}

	body, merr := ae.ToJSON(format)
	if merr != nil {
		log.WithError(merr).Error("error envelope marshal failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(ae.HTTPStatus, "application/json", body)
}
