package echoapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

// signatureHeader carries the hex HMAC-SHA256 of the raw request body,
// keyed with Server.WebhookSecret. The host app signs every call; an
// unauthenticated fan-out trigger is not an option on a reachable port.
const signatureHeader = "X-Webhook-Signature"

type webhookApi struct {
	secret []byte
	svc    attendance.ServiceInterface
}

func registerWebhookAPI(g *echo.Group, conf *core.Config, svc attendance.ServiceInterface) {
	api := webhookApi{
		secret: []byte(conf.Server.WebhookSecret),
		svc:    svc,
	}

	wg := g.Group("/attendance/webhooks", api.verifySignature)
	wg.POST("/session-started", api.sessionStarted)
	wg.POST("/session-ended", api.sessionEnded)
	wg.POST("/attendance-marked", api.attendanceMarked)
}

// verifySignature authenticates webhook calls and replaces the request body
// so handlers can still bind it.
func (api *webhookApi) verifySignature(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if len(api.secret) == 0 {
			// not configured; pretend we are not here
			return errHttpNotFound
		}

		body, err := io.ReadAll(ctx.Request().Body)
		if err != nil {
			return errors.Wrap(err, "reading webhook body")
		}
		ctx.Request().Body = io.NopCloser(bytes.NewReader(body))

		mac := hmac.New(sha256.New, api.secret)
		mac.Write(body)
		want := mac.Sum(nil)

		got, err := hex.DecodeString(ctx.Request().Header.Get(signatureHeader))
		if err != nil || !hmac.Equal(got, want) {
			return errBadSignature
		}
		return next(ctx)
	}
}

type (
	webhookEvent struct {
		SessionID int `json:"session_id"`
		StudentID int `json:"student_id,omitempty"`
	}

	webhookReceipt struct {
		Status     string `json:"status"`
		DeliveryID string `json:"delivery_id"`
	}
)

func (api *webhookApi) sessionStarted(ctx echo.Context) error {
	var data webhookEvent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding webhook event")
	}

	if err := api.svc.NotifySessionStarted(ctx.Request().Context(), data.SessionID); err != nil {
		return errors.Wrap(err, "notifying session started")
	}
	return ctx.JSON(http.StatusOK, newWebhookReceipt())
}

func (api *webhookApi) sessionEnded(ctx echo.Context) error {
	var data webhookEvent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding webhook event")
	}

	if err := api.svc.NotifySessionEnded(ctx.Request().Context(), data.SessionID); err != nil {
		return errors.Wrap(err, "notifying session ended")
	}
	return ctx.JSON(http.StatusOK, newWebhookReceipt())
}

func (api *webhookApi) attendanceMarked(ctx echo.Context) error {
	var data webhookEvent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding webhook event")
	}

	if err := api.svc.NotifyMarked(ctx.Request().Context(), data.SessionID, data.StudentID); err != nil {
		return errors.Wrap(err, "notifying attendance marked")
	}
	return ctx.JSON(http.StatusOK, newWebhookReceipt())
}

// newWebhookReceipt tags each accepted delivery so the host app can
// correlate retries in its logs.
func newWebhookReceipt() webhookReceipt {
	return webhookReceipt{Status: "ok", DeliveryID: uuid.NewString()}
}
