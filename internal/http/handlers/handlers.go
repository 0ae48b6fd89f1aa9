package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/leadrouter/backend/internal/db"
	"github.com/leadrouter/backend/internal/models"
	"github.com/leadrouter/backend/internal/service"
)

type Handler struct {
	Store     *db.Store
	Assigner  *service.AssignmentService
	Validator *validator.Validate
	Logger    zerolog.Logger
	AdminKey  string
}

type LeadCreateRequest struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Contact     string `json:"contact" validate:"required"`
	AffinityKey string `json:"affinity_key"`
}

type CallerRequest struct {
	ID             string   `json:"id"`
	Name           string   `json:"name" validate:"required"`
	CapacityPerDay int      `json:"capacity_per_day" validate:"required,gt=0"`
	AffinityTags   []string `json:"affinity_tags"`
}

type ImportSummary struct {
	Parsed   int      `json:"parsed"`
	Inserted int      `json:"inserted"`
	Errors   []string `json:"errors"`
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary Ingest a lead
// @Description Persist a lead, then route it to a caller in one transaction
// @Tags leads
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/leads [post]
func (h *Handler) LeadCreate(c *gin.Context) {
	var req LeadCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Validation failed", err.Error())
		return
	}

	lead := models.Lead{
		ID:          req.ID,
		Source:      req.Source,
		Contact:     req.Contact,
		AffinityKey: service.NormalizeTag(req.AffinityKey),
		CreatedAt:   time.Now().UTC(),
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}

	ctx := c.Request.Context()
	if err := h.Store.CreateLead(ctx, lead); err != nil {
		if isUniqueViolation(err) {
			writeError(c, http.StatusConflict, "DUPLICATE_LEAD", "Lead id already exists", lead.ID)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to persist lead", err.Error())
		return
	}

	h.respondAssign(c, lead.ID)
}

// @Summary Retry assignment for a lead
// @Tags leads
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/leads/{id}/assign [post]
func (h *Handler) LeadAssign(c *gin.Context) {
	h.respondAssign(c, c.Param("id"))
}

// respondAssign runs the engine for a persisted lead and maps the error
// taxonomy onto HTTP. An empty registry is not a failure: the lead stays
// persisted and visibly unassigned.
func (h *Handler) respondAssign(c *gin.Context, leadID string) {
	res, err := h.Assigner.Assign(c.Request.Context(), leadID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, service.ErrNoCallersAvailable):
		c.JSON(http.StatusOK, res)
	case errors.Is(err, service.ErrLeadNotFound):
		writeError(c, http.StatusNotFound, "LEAD_NOT_FOUND", "Lead not found", leadID)
	case service.IsRetryableConflict(err):
		writeError(c, http.StatusConflict, "ASSIGN_CONFLICT", "Assignment contention, retry the request", leadID)
	default:
		h.Logger.Error().Err(err).Str("lead_id", leadID).Msg("assignment failed")
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Assignment failed, lead remains persisted", leadID)
	}
}

// @Summary List leads
// @Tags leads
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/leads [get]
func (h *Handler) LeadsList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	leads, err := h.Store.ListLeads(c.Request.Context(), c.Query("status"), service.NormalizeTag(c.Query("affinity_key")), c.Query("q"), limit, offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list leads", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": leads})
}

// @Summary Lead details with assignment history
// @Tags leads
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/leads/{id} [get]
func (h *Handler) LeadDetails(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	lead, err := h.Store.GetLead(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(c, http.StatusNotFound, "LEAD_NOT_FOUND", "Lead not found", id)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load lead", err.Error())
		return
	}

	records, err := h.Store.ListRecordsForLead(ctx, id)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load assignment records", err.Error())
		return
	}

	out := gin.H{"lead": lead, "records": records}
	if lead.AssignedCallerID != nil {
		if caller, err := h.Store.GetCaller(ctx, *lead.AssignedCallerID); err == nil {
			out["caller"] = caller
		}
	}
	c.JSON(http.StatusOK, out)
}

// @Summary List callers
// @Tags callers
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/callers [get]
func (h *Handler) CallersList(c *gin.Context) {
	callers, err := h.Store.ListCallers(c.Request.Context(), service.NormalizeTag(c.Query("tag")))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list callers", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": callers})
}

// @Summary Create a caller
// @Tags callers
// @Accept json
// @Produce json
// @Success 201 {object} models.Caller
// @Failure 400 {object} map[string]any
// @Router /api/callers [post]
func (h *Handler) CallerCreate(c *gin.Context) {
	var req CallerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Validation failed", err.Error())
		return
	}

	now := time.Now().UTC()
	caller := models.Caller{
		ID:             req.ID,
		Name:           req.Name,
		CapacityPerDay: req.CapacityPerDay,
		LastResetDate:  time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		AffinityTags:   normalizeTags(req.AffinityTags),
	}
	if caller.ID == "" {
		caller.ID = uuid.NewString()
	}

	if err := h.Store.CreateCaller(c.Request.Context(), caller); err != nil {
		if isUniqueViolation(err) {
			writeError(c, http.StatusConflict, "DUPLICATE_CALLER", "Caller id already exists", caller.ID)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to create caller", err.Error())
		return
	}
	c.JSON(http.StatusCreated, caller)
}

// @Summary Update a caller
// @Tags callers
// @Accept json
// @Produce json
// @Success 200 {object} models.Caller
// @Failure 404 {object} map[string]any
// @Router /api/callers/{id} [put]
func (h *Handler) CallerUpdate(c *gin.Context) {
	var req CallerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Validation failed", err.Error())
		return
	}

	caller, err := h.Store.UpdateCaller(c.Request.Context(), c.Param("id"), req.Name, req.CapacityPerDay, normalizeTags(req.AffinityTags))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(c, http.StatusNotFound, "CALLER_NOT_FOUND", "Caller not found", c.Param("id"))
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to update caller", err.Error())
		return
	}
	c.JSON(http.StatusOK, caller)
}

// @Summary Delete a caller
// @Tags callers
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/callers/{id} [delete]
func (h *Handler) CallerDelete(c *gin.Context) {
	id := c.Param("id")
	deleted, err := h.Store.DeleteCaller(c.Request.Context(), id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			writeError(c, http.StatusConflict, "CALLER_IN_USE", "Caller has assignment history and cannot be deleted", id)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to delete caller", err.Error())
		return
	}
	if deleted == 0 {
		writeError(c, http.StatusNotFound, "CALLER_NOT_FOUND", "Caller not found", id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// @Summary Import callers from CSV
// @Description Bulk-seed the caller registry
// @Tags callers
// @Accept multipart/form-data
// @Produce json
// @Param callers formData file true "callers.csv"
// @Success 200 {object} ImportSummary
// @Failure 400 {object} map[string]any
// @Router /api/callers/import [post]
func (h *Handler) CallersImport(c *gin.Context) {
	file, err := c.FormFile("callers")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "callers file required", nil)
		return
	}
	if !validateExt(file.Filename) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "file must be .csv", nil)
		return
	}

	callers, errs := parseCallersCSV(file)
	summary := ImportSummary{Parsed: len(callers), Errors: errs}
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "CSV_PARSE_ERROR", "CSV validation errors", errs)
		return
	}

	inserted, err := h.Store.InsertCallers(c.Request.Context(), callers)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to insert callers", err.Error())
		return
	}
	summary.Inserted = int(inserted)
	c.JSON(http.StatusOK, summary)
}

// @Summary List assignment records
// @Tags assignments
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/assignments [get]
func (h *Handler) AssignmentsList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	records, err := h.Store.ListAssignmentRecords(c.Request.Context(), c.Query("caller_id"), c.Query("reason_code"), limit, offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list assignment records", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": records})
}

// @Summary Dashboard summary
// @Tags dashboard
// @Produce json
// @Success 200 {object} db.DashboardSummary
// @Router /api/dashboard/summary [get]
func (h *Handler) DashboardSummary(c *gin.Context) {
	summary, err := h.Store.GetDashboardSummary(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to build summary", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func validateExt(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".csv")
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		n := service.NormalizeTag(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// parseCallersCSV expects a header of caller_id,name,capacity_per_day and
// an optional affinity_tags column with values separated by |.
func parseCallersCSV(fh *multipart.FileHeader) ([]models.Caller, []string) {
	f, err := fh.Open()
	if err != nil {
		return nil, []string{fmt.Sprintf("callers: %v", err)}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, []string{fmt.Sprintf("callers: read header: %v", err)}
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"caller_id", "name", "capacity_per_day"} {
		if _, ok := cols[required]; !ok {
			return nil, []string{fmt.Sprintf("callers: missing column %s", required)}
		}
	}

	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var out []models.Caller
	var errs []string
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			errs = append(errs, fmt.Sprintf("callers line %d: %v", line, err))
			continue
		}

		capacity, err := strconv.Atoi(strings.TrimSpace(record[cols["capacity_per_day"]]))
		if err != nil || capacity <= 0 {
			errs = append(errs, fmt.Sprintf("callers line %d: capacity_per_day must be a positive integer", line))
			continue
		}

		caller := models.Caller{
			ID:             strings.TrimSpace(record[cols["caller_id"]]),
			Name:           strings.TrimSpace(record[cols["name"]]),
			CapacityPerDay: capacity,
			LastResetDate:  today,
			AffinityTags:   []string{},
		}
		if caller.ID == "" {
			errs = append(errs, fmt.Sprintf("callers line %d: caller_id is required", line))
			continue
		}
		if idx, ok := cols["affinity_tags"]; ok && idx < len(record) {
			caller.AffinityTags = normalizeTags(strings.Split(record[idx], "|"))
		}
		out = append(out, caller)
	}
	return out, errs
}
