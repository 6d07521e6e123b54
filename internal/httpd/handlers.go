package httpd

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Guzinn01/disp-whtas/internal/dispatch"
	"github.com/Guzinn01/disp-whtas/internal/importer"
	"github.com/Guzinn01/disp-whtas/internal/session"
	"github.com/Guzinn01/disp-whtas/internal/store"
	logx "github.com/Guzinn01/disp-whtas/pkg/logx"
)

type errorBody struct {
	Error string `json:"error"`
}

func jsonError(c echo.Context, code int, err error) error {
	return c.JSON(code, errorBody{Error: err.Error()})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"live_sessions": s.registry.LiveCount(),
		"dispatch":      s.dispatcher.Status().State,
	})
}

// ---- Sessions ----

type createSessionRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, err)
	}
	id, err := s.registry.Create(c.Request().Context(), req.Name)
	if errors.Is(err, session.ErrEmptyName) {
		return jsonError(c, http.StatusBadRequest, err)
	}
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions, err := s.store.ListSessions(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err)
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleReconnectSession(c echo.Context) error {
	err := s.registry.Reconnect(c.Request().Context(), c.Param("id"))
	if errors.Is(err, session.ErrUnknownSession) {
		return jsonError(c, http.StatusNotFound, err)
	}
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleDisconnectSession(c echo.Context) error {
	err := s.registry.Disconnect(c.Request().Context(), c.Param("id"))
	if errors.Is(err, session.ErrUnknownSession) {
		return jsonError(c, http.StatusNotFound, err)
	}
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRemoveSession(c echo.Context) error {
	if err := s.registry.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return jsonError(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ---- Contacts ----

func (s *Server) handleImport(c echo.Context) error {
	// Swapping the contact table under an active run would desync the
	// snapshot from persisted statuses. The dispatcher arbitrates: the
	// reservation holds until the import is done.
	release, err := s.dispatcher.BeginImport()
	if err != nil {
		return jsonError(c, http.StatusConflict, err)
	}
	defer release()

	fh, err := c.FormFile("file")
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err)
	}
	f, err := fh.Open()
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err)
	}
	defer f.Close()

	contacts, sum, err := importer.Read(f, fh.Filename)
	if errors.Is(err, importer.ErrUnsupportedFormat) {
		return jsonError(c, http.StatusUnsupportedMediaType, err)
	}
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err)
	}

	start := time.Now()
	if err := s.store.ReplaceContacts(c.Request().Context(), contacts); err != nil {
		return jsonError(c, http.StatusInternalServerError, err)
	}
	if err := s.store.AppendAudit(c.Request().Context(), store.AuditEntry{
		Action: "import",
		Target: fh.Filename,
		OK:     sum.Imported,
		Fail:   sum.Skipped,
		TookMS: time.Since(start).Milliseconds(),
	}); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}

	s.log.Info("contacts imported",
		logx.String("file", fh.Filename),
		logx.Int("imported", sum.Imported),
		logx.Int("skipped", sum.Skipped))
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleListContacts(c echo.Context) error {
	contacts, err := s.store.ListContacts(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err)
	}
	if contacts == nil {
		contacts = []store.Contact{}
	}
	return c.JSON(http.StatusOK, contacts)
}

// ---- Dispatch ----

type startDispatchRequest struct {
	SessionID  string `json:"session_id"`
	Template   string `json:"template"`
	DelayMinMS int64  `json:"delay_min_ms"`
	DelayMaxMS int64  `json:"delay_max_ms"`
}

func (s *Server) handleStartDispatch(c echo.Context) error {
	var req startDispatchRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, err)
	}

	// Bound to the server's base context: the run must survive this request.
	err := s.dispatcher.Start(s.baseCtx, dispatch.Params{
		SessionID: req.SessionID,
		Template:  req.Template,
		DelayMin:  time.Duration(req.DelayMinMS) * time.Millisecond,
		DelayMax:  time.Duration(req.DelayMaxMS) * time.Millisecond,
	})
	switch {
	case errors.Is(err, dispatch.ErrRunActive):
		return jsonError(c, http.StatusConflict, err)
	case errors.Is(err, dispatch.ErrEmptyTemplate),
		errors.Is(err, dispatch.ErrBadDelayRange):
		return jsonError(c, http.StatusBadRequest, err)
	case errors.Is(err, dispatch.ErrNoLiveSession):
		return jsonError(c, http.StatusPreconditionFailed, err)
	case err != nil:
		return jsonError(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusAccepted, s.dispatcher.Status())
}

func (s *Server) handlePauseDispatch(c echo.Context) error {
	paused, err := s.dispatcher.PauseToggle()
	if errors.Is(err, dispatch.ErrNoRun) {
		return jsonError(c, http.StatusConflict, err)
	}
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"paused": paused})
}

func (s *Server) handleCancelDispatch(c echo.Context) error {
	err := s.dispatcher.Cancel()
	if errors.Is(err, dispatch.ErrNoRun) {
		return jsonError(c, http.StatusConflict, err)
	}
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleDispatchStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.dispatcher.Status())
}
