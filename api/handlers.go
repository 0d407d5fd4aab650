package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"farmcorner/alert"
	"farmcorner/chat"
	"farmcorner/domain"
	"farmcorner/identity"
	"farmcorner/syncer"
)

const (
	collectionMaxSize = 4 << 20
	chatMaxSize       = 8 << 20
	smallBodyMaxSize  = 16 << 10

	chatFailureText = "Please try again"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Services, logger *log.Logger) {
	h := &handlers{svc: svc, logger: logger, now: time.Now}

	e.Use(RequestMetricsMiddleware(logger))
	e.Use(GzipRequestMiddleware())
	e.GET("/healthz", healthz)
	e.GET("/api/alerts/public", h.getPublicAlerts)

	g := e.Group("/api", requireUser(svc.Auth, svc.Sessions))
	g.GET("/session", h.getSession)
	g.DELETE("/session", h.deleteSession)
	g.GET("/collections/:key", h.getCollection)
	g.PUT("/collections/:key", h.putCollection)
	g.DELETE("/collections/:key/records/:id", h.deleteRecord)
	g.GET("/ledger/summary", h.getLedgerSummary)
	g.POST("/tasks/:id/reschedule", h.rescheduleTask)
	g.POST("/tasks/:id/done", h.setTaskDone)
	g.GET("/tasks/:id/history", h.getTaskHistory)
	g.GET("/alerts/overdue", h.getOverdue)
	g.POST("/alerts/publish", h.publishAlerts)
	g.POST("/chat", h.postChat)
	if svc.Broker != nil {
		g.GET("/stream", streamChanges(svc.Broker))
	}
}

type handlers struct {
	svc    Services
	logger *log.Logger
	now    func() time.Time
}

type collectionResponse struct {
	Key       string          `json:"key"`
	Records   []domain.Record `json:"records"`
	Source    string          `json:"source"`
	PublicURL string          `json:"publicUrl,omitempty"`
}

type saveResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Outcome *syncer.Outcome `json:"outcome,omitempty"`
	Record  *domain.Record  `json:"record,omitempty"`
}

type rescheduleRequest struct {
	DueDate time.Time `json:"dueDate"`
}

type doneRequest struct {
	Done bool `json:"done"`
}

type chatRequest struct {
	Prompt string `json:"prompt"`
	Image  []byte `json:"image,omitempty"`
}

type chatResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (h *handlers) getSession(c echo.Context) error {
	return c.JSON(http.StatusOK, userFrom(c))
}

func (h *handlers) deleteSession(c echo.Context) error {
	if h.svc.Sessions != nil {
		h.svc.Sessions.SignOut()
	}
	if h.svc.Alerts != nil {
		h.svc.Alerts.Reset()
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) getCollection(c echo.Context) error {
	key := c.Param("key")
	m := metricsFrom(c)
	m.SetCollection(key)
	if !domain.KnownKey(key) {
		m.SetErrorStage("unknown_key")
		return c.String(http.StatusNotFound, "unknown collection")
	}
	records := h.svc.Sync.Load(key, nil)
	if c.QueryParam("tombstones") != "true" {
		records = domain.Live(records)
	}
	m.SetRecords(len(records))
	return c.JSON(http.StatusOK, collectionResponse{
		Key:       key,
		Records:   records,
		Source:    "local",
		PublicURL: h.svc.Sync.PublicURL(key),
	})
}

func (h *handlers) putCollection(c echo.Context) error {
	key := c.Param("key")
	m := metricsFrom(c)
	m.SetCollection(key)
	if !domain.KnownKey(key) {
		m.SetErrorStage("unknown_key")
		return c.String(http.StatusNotFound, "unknown collection")
	}
	user := userFrom(c)
	ctx := c.Request().Context()
	if !canWrite(user, key) {
		m.SetErrorStage("forbidden")
		return c.String(http.StatusForbidden, syncer.ErrForbidden.Error())
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, collectionMaxSize+1))
	if err != nil || len(raw) > collectionMaxSize {
		m.SetErrorStage("read_body")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	records, err := domain.Decode(raw)
	if err != nil {
		m.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	m.SetRecords(len(records))

	idemKey := c.Request().Header.Get(IdempotencyHeader)
	if idemKey != "" && h.svc.Deduper != nil {
		added, err := h.svc.Deduper.Add(ctx, user.ID, idemKey)
		if err != nil {
			h.logger.WithError(err).Warn("idempotency check failed; applying write")
		} else if !added {
			return c.JSON(http.StatusOK, saveResponse{Status: "duplicate", Message: "already applied"})
		}
	}

	res, err := h.svc.Sync.Save(ctx, key, records)
	if err != nil {
		if idemKey != "" && h.svc.Deduper != nil {
			if rerr := h.svc.Deduper.Remove(context.WithoutCancel(ctx), user.ID, idemKey); rerr != nil {
				h.logger.WithError(rerr).Warn("release idempotency key failed")
			}
		}
		return h.saveError(c, err)
	}
	return h.saveAccepted(c, res, nil)
}

func (h *handlers) deleteRecord(c echo.Context) error {
	key, id := c.Param("key"), c.Param("id")
	m := metricsFrom(c)
	m.SetCollection(key)
	if !domain.KnownKey(key) {
		m.SetErrorStage("unknown_key")
		return c.String(http.StatusNotFound, "unknown collection")
	}
	if !canWrite(userFrom(c), key) {
		m.SetErrorStage("forbidden")
		return c.String(http.StatusForbidden, syncer.ErrForbidden.Error())
	}
	records, err := domain.Delete(h.svc.Sync.Load(key, nil), id, h.now())
	if err != nil {
		m.SetErrorStage("lookup")
		return c.String(http.StatusNotFound, err.Error())
	}
	res, err := h.svc.Sync.Save(c.Request().Context(), key, records)
	if err != nil {
		return h.saveError(c, err)
	}
	return h.saveAccepted(c, res, nil)
}

func (h *handlers) getLedgerSummary(c echo.Context) error {
	metricsFrom(c).SetCollection(domain.KeyFinanceLedger)
	return c.JSON(http.StatusOK, domain.Summarize(h.svc.Sync.Load(domain.KeyFinanceLedger, nil)))
}

func (h *handlers) rescheduleTask(c echo.Context) error {
	m := metricsFrom(c)
	m.SetCollection(domain.KeySprayLog)
	var req rescheduleRequest
	if err := decodeSmall(c, &req); err != nil || req.DueDate.IsZero() {
		m.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "dueDate is required")
	}
	res, hist, err := h.svc.Alerts.Reschedule(c.Request().Context(), c.Param("id"), req.DueDate, h.now())
	if err != nil {
		return h.saveError(c, err)
	}
	return h.saveAccepted(c, res, &hist)
}

func (h *handlers) setTaskDone(c echo.Context) error {
	m := metricsFrom(c)
	m.SetCollection(domain.KeySprayLog)
	var req doneRequest
	if err := decodeSmall(c, &req); err != nil {
		m.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	records, err := domain.SetDone(h.svc.Sync.Load(domain.KeySprayLog, nil), c.Param("id"), req.Done, h.now())
	if err != nil {
		return h.saveError(c, err)
	}
	res, err := h.svc.Sync.Save(c.Request().Context(), domain.KeySprayLog, records)
	if err != nil {
		return h.saveError(c, err)
	}
	return h.saveAccepted(c, res, nil)
}

func (h *handlers) getTaskHistory(c echo.Context) error {
	metricsFrom(c).SetCollection(domain.KeySprayLog)
	hist := domain.History(h.svc.Sync.Load(domain.KeySprayLog, nil), c.Param("id"))
	return c.JSON(http.StatusOK, hist)
}

func (h *handlers) getOverdue(c echo.Context) error {
	overdue := h.svc.Alerts.Overdue(h.now())
	if overdue == nil {
		overdue = []alert.Classified{}
	}
	metricsFrom(c).SetRecords(len(overdue))
	return c.JSON(http.StatusOK, overdue)
}

func (h *handlers) publishAlerts(c echo.Context) error {
	m := metricsFrom(c)
	m.SetCollection(domain.KeyFlashNews)
	res, err := h.svc.Sync.Publish(c.Request().Context(), domain.KeyFlashNews)
	switch {
	case errors.Is(err, syncer.ErrForbidden):
		m.SetErrorStage("forbidden")
		return c.String(http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrSignInRequired):
		m.SetErrorStage("sign_in")
		return c.String(http.StatusUnauthorized, err.Error())
	case err != nil:
		m.SetErrorStage("publish")
		return c.String(http.StatusInternalServerError, err.Error())
	case !res.OK:
		m.SetErrorStage("publish")
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) getPublicAlerts(c echo.Context) error {
	m := metricsFrom(c)
	m.SetCollection(domain.KeyFlashNews)
	records, public := h.svc.Sync.Public(c.Request().Context(), domain.KeyFlashNews)
	records = domain.Live(records)
	m.SetRecords(len(records))
	source := "local"
	if public {
		source = "public"
	}
	return c.JSON(http.StatusOK, collectionResponse{
		Key:       domain.KeyFlashNews,
		Records:   records,
		Source:    source,
		PublicURL: h.svc.Sync.PublicURL(domain.KeyFlashNews),
	})
}

// postChat never fails the request on upstream errors; the client shows a
// retry hint instead.
func (h *handlers) postChat(c echo.Context) error {
	m := metricsFrom(c)
	lr := io.LimitReader(c.Request().Body, chatMaxSize)
	var req chatRequest
	if err := sonic.ConfigStd.NewDecoder(lr).Decode(&req); err != nil {
		m.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	svc := h.svc.Chat
	if svc == nil {
		svc = chat.Unavailable{}
	}
	reply, err := svc.Chat(c.Request().Context(), req.Prompt, req.Image)
	if errors.Is(err, chat.ErrEmptyPrompt) {
		m.SetErrorStage("empty_prompt")
		return c.String(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		m.SetErrorStage("chat")
		h.logger.WithError(err).Warn("chat request failed")
		return c.JSON(http.StatusOK, chatResponse{Error: chatFailureText})
	}
	return c.JSON(http.StatusOK, chatResponse{Text: reply.Text})
}

// saveAccepted answers once the local write is done. With ?wait=true the
// response waits for the remote outcome instead.
func (h *handlers) saveAccepted(c echo.Context, res syncer.SaveResult, rec *domain.Record) error {
	resp := saveResponse{Status: "pending", Message: res.Message(), Record: rec}
	if c.QueryParam("wait") != "true" || res.Done == nil {
		return c.JSON(http.StatusAccepted, resp)
	}
	select {
	case out := <-res.Done:
		resp.Status = string(out.Status)
		resp.Message = string(out.Status)
		resp.Outcome = &out
		return c.JSON(http.StatusOK, resp)
	case <-c.Request().Context().Done():
		return c.JSON(http.StatusAccepted, resp)
	}
}

func (h *handlers) saveError(c echo.Context, err error) error {
	m := metricsFrom(c)
	switch {
	case errors.Is(err, syncer.ErrUnknownKey), errors.Is(err, domain.ErrNotFound):
		m.SetErrorStage("lookup")
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, syncer.ErrInvalid), errors.Is(err, domain.ErrNotSprayTask):
		m.SetErrorStage("validate")
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, syncer.ErrForbidden):
		m.SetErrorStage("forbidden")
		return c.String(http.StatusForbidden, err.Error())
	default:
		m.SetErrorStage("save")
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, "save failed")
	}
}

// canWrite reports whether u may rewrite key. Broadcast collections are
// admin-only.
func canWrite(u identity.User, key string) bool {
	if kind, ok := domain.KindForKey(key); ok && kind == domain.KindAlert {
		return u.Admin
	}
	return true
}

func decodeSmall(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, smallBodyMaxSize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
