package api

import (
	"bytes"
	"errors"
	"logbook/internal/autofill"
	"logbook/internal/engine"
	"logbook/internal/models"
	"logbook/internal/plot"
	"logbook/internal/session"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/ipc"
	"github.com/labstack/echo/v4"
)

// ArrowStreamType is the media type of plot responses.
const ArrowStreamType = "application/vnd.apache.arrow.stream"

type Handler struct {
	books *session.Manager
}

func NewHandler(books *session.Manager) *Handler {
	return &Handler{books: books}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api")
	api.GET("/logbooks", h.ListLogbooks)
	api.GET("/logbooks/:name", h.GetLogbook)
	api.GET("/logbooks/:name/rows", h.GetRows)
	api.PUT("/logbooks/:name/rows/:row/cells/:col", h.SetCell)
	api.DELETE("/logbooks/:name/rows/:row", h.DeleteRow)
	api.POST("/logbooks/:name/entries", h.NewEntry)
	api.POST("/logbooks/:name/autofill", h.Autofill)
	api.POST("/logbooks/:name/save", h.Save)
	api.GET("/logbooks/:name/sources", h.GetSources)
	api.GET("/logbooks/:name/plot", h.GetPlot)
}

// --- HELPERS ---
func getPaginationParams(c echo.Context, defaultLimit int) (int, int) {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	offset, err := strconv.Atoi(c.QueryParam("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

// getIndexList parses "2,3,5". An empty parameter yields nil.
func getIndexList(c echo.Context, name string) ([]int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	var out []int
	for _, field := range strings.Split(raw, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": "+field)
		}
		out = append(out, i)
	}
	return out, nil
}

func getIntParam(c echo.Context, name string) (int, error) {
	i, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return i, nil
}

func (h *Handler) logbook(c echo.Context) (*session.Logbook, error) {
	name, err := url.PathUnescape(c.Param("name"))
	if err != nil {
		name = c.Param("name")
	}
	lb, err := h.books.Get(name)
	if err != nil {
		return nil, toHTTPError(err)
	}
	return lb, nil
}

// toHTTPError maps domain errors to responses. Unknown errors become 500s
// through echo's default error handler.
func toHTTPError(err error) error {
	var saveErr *engine.SaveError
	switch {
	case errors.Is(err, session.ErrUnknownLogbook):
		return echo.NewHTTPError(http.StatusNotFound, err.Error()).SetInternal(err)
	case errors.Is(err, engine.ErrOutOfRange), errors.Is(err, engine.ErrNothingToPlot):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.Is(err, session.ErrOpenEntry), errors.Is(err, session.ErrEntryClosed),
		errors.Is(err, autofill.ErrNoOpenRecord):
		return echo.NewHTTPError(http.StatusConflict, err.Error()).SetInternal(err)
	case errors.As(err, &saveErr):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
	return err
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

func summarize(lb *session.Logbook) models.LogbookSummary {
	hours := lb.Hours()
	return models.LogbookSummary{
		Name:     lb.Name,
		File:     lb.Path,
		Rows:     lb.RowCount(),
		Modified: lb.Modified(),
		InUse:    lb.InUse(),
		Hours:    round1(hours),
		Days:     round1(hours / 24),
	}
}

// --- HANDLERS ---
func (h *Handler) ListLogbooks(c echo.Context) error {
	books := h.books.List()
	out := make([]models.LogbookSummary, 0, len(books))
	for _, lb := range books {
		out = append(out, summarize(lb))
	}
	return c.JSON(http.StatusOK, out)
}

// GetLogbook returns the summary and the column layout, with the autofill
// source of bound columns.
func (h *Handler) GetLogbook(c echo.Context) error {
	lb, err := h.logbook(c)
	if err != nil {
		return err
	}
	sources := make(map[int]string)
	for _, s := range lb.Sources() {
		sources[s.Column] = s.Descriptor
	}

	cols := lb.Columns()
	detail := models.LogbookDetail{
		LogbookSummary: summarize(lb),
		Columns:        make([]models.ColumnInfo, len(cols)),
	}
	for i, col := range cols {
		detail.Columns[i] = models.ColumnInfo{
			Index:     i,
			Name:      col.Name,
			Group:     col.Group,
			Kind:      col.Kind.String(),
			Precision: col.Precision,
			Source:    sources[i],
		}
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) GetRows(c echo.Context) error {
	lb, err := h.logbook(c)
	if err != nil {
		return err
	}
	total := lb.RowCount()
	limit, offset := getPaginationParams(c, 100)

	return c.JSON(http.StatusOK, models.RowsPage{
		Data:   lb.Rows(offset, limit),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (h *Handler) SetCell(c echo.Context) error {
	lb, err := h.logbook(c)
	if err != nil {
		return err
	}
	row, err := getIntParam(c, "row")
	if err != nil {
		return err
	}
	col, err := getIntParam(c, "col")
	if err != nil {
		return err
	}
	var upd models.CellUpdate
	if err := c.Bind(&upd); err != nil {
		return err
	}
	if err := lb.SetCell(row, col, upd.Value); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteRow(c echo.Context) error {
	lb, err := h.logbook(c)
	if err != nil {
		return err
	}
	row, err := getIntParam(c, "row")
	if err != nil {
		return err
	}
	if err := lb.DeleteRow(row); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// NewEntry starts a record. An open record is refused with 409 unless
// force=true.
func (h *Handler) NewEntry(c echo.Context) error {
	lb, err := h.logbook(c)
	if err != nil {
		return err
	}
	force, _ := strconv.ParseBool(c.QueryParam("force"))
	if err := lb.NewEntry(force); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, summarize(lb))
}

// Autofill completes the newest record. Columns without telemetry are
// listed in the report, they do not fail the request.
func (h *Handler) Autofill(c echo.Context) error {
	lb, err := h.logbook(c)
	if err != nil {
		return err
	}
	force, _ := strconv.ParseBool(c.QueryParam("force"))
	rep, err := lb.Complete(c.Request().Context(), force)
	var unavailable *autofill.UnavailableError
	if err != nil && !errors.As(err, &unavailable) {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, models.AutofillReport{
		Filled:      nonNil(rep.Filled),
		Skipped:     nonNil(rep.Skipped),
		Unavailable: nonNil(rep.Unavailable),
	})
}

func (h *Handler) Save(c echo.Context) error {
	lb, err := h.logbook(c)
	if err != nil {
		return err
	}
	if err := lb.Save(); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, models.SaveResult{File: lb.Path, Rows: lb.RowCount()})
}

func (h *Handler) GetSources(c echo.Context) error {
	lb, err := h.logbook(c)
	if err != nil {
		return err
	}
	sources := lb.Sources()
	out := make([]models.SourceInfo, len(sources))
	for i, s := range sources {
		out[i] = models.SourceInfo{Column: s.Column, Name: s.Name, Source: s.Descriptor, Connected: s.Connected}
	}
	return c.JSON(http.StatusOK, out)
}

// GetPlot streams the selected columns (cols=2,3) and rows (rows=0,1; all
// by default) as an Arrow IPC stream. format=json returns JSON rows and
// format=png a rendered chart.
func (h *Handler) GetPlot(c echo.Context) error {
	lb, err := h.logbook(c)
	if err != nil {
		return err
	}
	cols, err := getIndexList(c, "cols")
	if err != nil {
		return err
	}
	rows, err := getIndexList(c, "rows")
	if err != nil {
		return err
	}

	rec, err := lb.Plot(cols, rows)
	if err != nil {
		return toHTTPError(err)
	}
	defer rec.Release()

	resp := c.Response()
	switch c.QueryParam("format") {
	case "json":
		resp.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		resp.WriteHeader(http.StatusOK)
		return array.RecordToJSON(rec, resp)
	case "png":
		width, _ := strconv.Atoi(c.QueryParam("width"))
		height, _ := strconv.Atoi(c.QueryParam("height"))
		var buf bytes.Buffer
		if err := plot.RenderPNG(&buf, rec, width, height); err != nil {
			if errors.Is(err, plot.ErrTooFewPoints) {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
			}
			return err
		}
		return c.Blob(http.StatusOK, "image/png", buf.Bytes())
	}

	resp.Header().Set(echo.HeaderContentType, ArrowStreamType)
	resp.WriteHeader(http.StatusOK)
	w := ipc.NewWriter(resp, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
