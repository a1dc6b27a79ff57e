package echoapi

import (
	"net/http"
	"strconv"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core/attendance"
)

type attendanceApi struct {
	svc        attendance.ServiceInterface
	validate   *validator.Validate
	translator ut.Translator
}

func registerAttendanceAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc attendance.ServiceInterface,
	validate *validator.Validate,
	translator ut.Translator,
) {
	api := attendanceApi{
		svc:        svc,
		validate:   validate,
		translator: translator,
	}

	ag := g.Group("/attendance", jwt)

	ag.POST("/sessions", api.startSession, teacherMiddleware())
	ag.GET("/sessions", api.querySessions)
	ag.GET("/sessions/active", api.activeSessions)
	ag.POST("/mark", api.mark, studentMiddleware())
	ag.POST("/verify-token", api.verifyToken, studentMiddleware())
	ag.GET("/board", api.board, studentMiddleware())
	ag.GET("/stats", api.stats, teacherMiddleware())

	// detail endpoints
	dg := ag.Group("/sessions/:id")
	dg.GET("", api.retrieveSession)
	dg.POST("/end", api.endSession, teacherMiddleware())
	dg.POST("/token", api.generateToken, teacherMiddleware())
	dg.POST("/token/refresh", api.refreshSessionToken, teacherMiddleware())
}

// Handlers

func (api *attendanceApi) startSession(ctx echo.Context) error {
	var data attendance.NewSession
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSession")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	actor, err := getContextIdentity(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context identity")
	}

	sess, err := api.svc.StartSession(ctx.Request().Context(), actor, data)
	if err != nil {
		return errors.Wrap(err, "starting session")
	}
	return ctx.JSON(http.StatusCreated, sess)
}

func (api *attendanceApi) querySessions(ctx echo.Context) error {
	filter := new(attendance.SessionFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []attendance.Session{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	actor, err := getContextIdentity(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context identity")
	}

	sessions, err := api.svc.ListSessions(ctx.Request().Context(), actor, *filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying sessions")
	}
	if sessions == nil {
		sessions = []attendance.Session{}
	}
	return ctx.JSON(http.StatusOK, sessions)
}

func (api *attendanceApi) activeSessions(ctx echo.Context) error {
	actor, err := getContextIdentity(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context identity")
	}

	sessions, err := api.svc.ActiveSessions(ctx.Request().Context(), actor)
	if err != nil {
		return errors.Wrap(err, "querying active sessions")
	}
	if sessions == nil {
		sessions = []attendance.Session{}
	}
	return ctx.JSON(http.StatusOK, sessions)
}

func (api *attendanceApi) retrieveSession(ctx echo.Context) error {
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	actor, err := getContextIdentity(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context identity")
	}

	sess, err := api.svc.GetSession(ctx.Request().Context(), actor, id)
	if err != nil {
		return errors.Wrap(err, "finding session by ID")
	}
	return ctx.JSON(http.StatusOK, sess)
}

func (api *attendanceApi) endSession(ctx echo.Context) error {
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	actor, err := getContextIdentity(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context identity")
	}

	sess, err := api.svc.EndSession(ctx.Request().Context(), actor, id)
	if err != nil {
		return errors.Wrap(err, "ending session")
	}
	return ctx.JSON(http.StatusOK, sess)
}

func (api *attendanceApi) mark(ctx echo.Context) error {
	var data attendance.MarkAttendance
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to MarkAttendance")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	actor, err := getContextIdentity(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context identity")
	}

	res, err := api.svc.Mark(ctx.Request().Context(), actor, data)
	if err != nil {
		return errors.Wrap(err, "marking attendance")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *attendanceApi) verifyToken(ctx echo.Context) error {
	var data attendance.VerifyTokenRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to VerifyTokenRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	actor, err := getContextIdentity(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context identity")
	}

	res, err := api.svc.VerifyToken(ctx.Request().Context(), actor, data)
	if err != nil {
		return errors.Wrap(err, "verifying token")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *attendanceApi) board(ctx echo.Context) error {
	actor, err := getContextIdentity(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context identity")
	}

	board, err := api.svc.StudentBoard(ctx.Request().Context(), actor)
	if err != nil {
		return errors.Wrap(err, "getting student board")
	}
	return ctx.JSON(http.StatusOK, board)
}

func (api *attendanceApi) stats(ctx echo.Context) error {
	actor, err := getContextIdentity(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context identity")
	}

	stats, err := api.svc.Stats(ctx.Request().Context(), actor)
	if err != nil {
		return errors.Wrap(err, "getting stats")
	}
	return ctx.JSON(http.StatusOK, stats)
}

func (api *attendanceApi) generateToken(ctx echo.Context) error {
	id, err := pathID(ctx)
	if err != nil {
		return err
	}

	// an empty body means defaults
	var data attendance.GenerateTokenRequest
	if err := ctx.Bind(&data); err != nil && ctx.Request().ContentLength > 0 {
		return errors.Wrap(err, "binding to GenerateTokenRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	actor, err := getContextIdentity(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context identity")
	}

	token, err := api.svc.GenerateToken(ctx.Request().Context(), actor, id, data)
	if err != nil {
		return errors.Wrap(err, "generating session token")
	}
	return ctx.JSON(http.StatusOK, token)
}

func (api *attendanceApi) refreshSessionToken(ctx echo.Context) error {
	id, err := pathID(ctx)
	if err != nil {
		return err
	}

	// an empty body means no previous token to invalidate
	var data attendance.RefreshTokenRequest
	if err := ctx.Bind(&data); err != nil && ctx.Request().ContentLength > 0 {
		return errors.Wrap(err, "binding to RefreshTokenRequest")
	}

	actor, err := getContextIdentity(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context identity")
	}

	token, err := api.svc.RefreshToken(ctx.Request().Context(), actor, id, data)
	if err != nil {
		return errors.Wrap(err, "refreshing session token")
	}
	return ctx.JSON(http.StatusOK, token)
}

func pathID(ctx echo.Context) (int, error) {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil {
		return 0, errHttpNotFound
	}
	return id, nil
}
