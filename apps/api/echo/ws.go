package echoapi

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/mahudhurio/realtime"
)

// registerNotificationSocket mounts the realtime endpoint outside the JWT
// middleware; browsers cannot set an Authorization header on a WebSocket
// handshake, so the hub authenticates in-band instead.
func registerNotificationSocket(e *echo.Echo, hub *realtime.Hub) {
	e.GET("/ws/attendance/notifications/:id", func(ctx echo.Context) error {
		userID, err := strconv.Atoi(ctx.Param("id"))
		if err != nil {
			return errHttpNotFound
		}
		hub.Handle(ctx.Response(), ctx.Request(), userID)
		return nil
	})
}
