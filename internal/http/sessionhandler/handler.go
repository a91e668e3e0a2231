package sessionhandler

import (
	"coderoomgo/internal/services/session"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc session.ISessionService
}

func New(svc session.ISessionService) *Handler { return &Handler{svc: svc} }

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/sessions", h.list)
	r.POST("/sessions", h.create)
	r.GET("/sessions/:id", h.info)
	r.POST("/sessions/:id/save", h.save)
	r.POST("/sessions/:id/execute", h.execute)
}

// create makes a new room; the caller becomes its creator.
func (h *Handler) create(ginCtx *gin.Context) {
	var body CreateRoomBody
	if err := ginCtx.ShouldBindJSON(&body); err != nil {
		ginCtx.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}

	dto, err := h.svc.CreateSession(ginCtx.Request.Context(), body.RoomName, body.Username)
	if err != nil {
		ginCtx.JSON(http.StatusInternalServerError, &ErrorResponse{Error: err.Error()})
		return
	}
	ginCtx.JSON(http.StatusCreated, dto)
}

// list returns recently-active sessions, newest first.
func (h *Handler) list(c *gin.Context) {
	var q ListSessionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	out, err := h.svc.ListSessions(c, q.Limit, q.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// info exposes the persisted record: code, last output, language.
func (h *Handler) info(c *gin.Context) {
	dto, err := h.svc.GetSession(c, c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SessionDataResponse{
		Success:  true,
		Code:     dto.Code,
		Output:   dto.Output,
		Language: dto.Language,
	})
}

// save persists code without executing it.
func (h *Handler) save(ginCtx *gin.Context) {
	var body SaveCodeBody
	if err := ginCtx.ShouldBindJSON(&body); err != nil {
		ginCtx.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}

	err := h.svc.SaveCode(ginCtx.Request.Context(), ginCtx.Param("id"), body.Code, body.Language)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			ginCtx.JSON(http.StatusNotFound, &ErrorResponse{Error: err.Error()})
			return
		}
		ginCtx.JSON(http.StatusInternalServerError, &ErrorResponse{Error: err.Error()})
		return
	}
	ginCtx.JSON(http.StatusOK, gin.H{"success": true})
}

// execute runs the submission in the sandbox and returns the captured
// output. Toolchain failures and timeouts come back inside the output
// text, never as a transport-level error.
func (h *Handler) execute(ginCtx *gin.Context) {
	var body ExecuteCodeBody
	if err := ginCtx.ShouldBindJSON(&body); err != nil {
		ginCtx.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}

	res, err := h.svc.Execute(ginCtx.Request.Context(), ginCtx.Param("id"), body.Code, body.Language)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			ginCtx.JSON(http.StatusNotFound, &ErrorResponse{Error: err.Error()})
			return
		}
		ginCtx.JSON(http.StatusOK, ExecuteCodeResponse{Success: false, Output: "Error: " + err.Error()})
		return
	}
	ginCtx.JSON(http.StatusOK, ExecuteCodeResponse{Success: true, Output: res.Output})
}
