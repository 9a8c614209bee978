package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/db"
	"github.com/stashguard/stashguard/internal/models"
)

// ScheduleStore defines the persistence operations the schedules handler needs.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched *models.BackupSchedule) error
	GetScheduleByID(ctx context.Context, id uuid.UUID) (*models.BackupSchedule, error)
	ListSchedules(ctx context.Context) ([]*models.BackupSchedule, error)
	UpdateSchedule(ctx context.Context, sched *models.BackupSchedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	ListScheduleLogs(ctx context.Context, scheduleID uuid.UUID) ([]*models.BackupScheduleLog, error)
	GetScheduleStats(ctx context.Context) (*models.ScheduleStats, error)
}

// SchedulesHandler handles backup schedule endpoints.
type SchedulesHandler struct {
	store  ScheduleStore
	logger zerolog.Logger
}

// NewSchedulesHandler creates a new SchedulesHandler.
func NewSchedulesHandler(store ScheduleStore, logger zerolog.Logger) *SchedulesHandler {
	return &SchedulesHandler{
		store:  store,
		logger: logger.With().Str("component", "schedules_handler").Logger(),
	}
}

// RegisterRoutes registers schedule routes on the given router group.
func (h *SchedulesHandler) RegisterRoutes(r *gin.RouterGroup) {
	schedules := r.Group("/schedules")
	{
		schedules.POST("", h.Create)
		schedules.GET("", h.List)
		schedules.GET("/stats", h.Stats)
		schedules.GET("/:id", h.Get)
		schedules.PUT("/:id", h.Update)
		schedules.DELETE("/:id", h.Delete)
		schedules.POST("/:id/toggle", h.Toggle)
		schedules.GET("/:id/logs", h.Logs)
	}
}

type scheduleRequest struct {
	Name          string `json:"name" binding:"required"`
	Description   string `json:"description"`
	Frequency     string `json:"frequency" binding:"required"`
	Interval      int    `json:"interval"`
	TimeOfDay     string `json:"time_of_day" binding:"required"`
	DaysOfWeek    []int  `json:"days_of_week"`
	DayOfMonth    *int   `json:"day_of_month"`
	BackupType    string `json:"backup_type"`
	Location      string `json:"location"`
	IsEncrypted   bool   `json:"is_encrypted"`
	RetentionDays int    `json:"retention_days"`
	CreatedBy     string `json:"created_by"`
}

func (req *scheduleRequest) apply(sched *models.BackupSchedule) {
	sched.Name = req.Name
	sched.Description = req.Description
	sched.Frequency = models.Frequency(req.Frequency)
	sched.Interval = req.Interval
	if sched.Interval == 0 {
		sched.Interval = 1
	}
	sched.TimeOfDay = req.TimeOfDay
	sched.DaysOfWeek = nil
	for _, d := range req.DaysOfWeek {
		sched.DaysOfWeek = append(sched.DaysOfWeek, time.Weekday(d))
	}
	sched.DayOfMonth = req.DayOfMonth
	if req.BackupType != "" {
		sched.BackupType = models.BackupKind(req.BackupType)
	}
	if req.Location != "" {
		sched.Location = models.StorageLocation(req.Location)
	}
	sched.IsEncrypted = req.IsEncrypted
	if req.RetentionDays > 0 {
		sched.RetentionDays = req.RetentionDays
	}
}

// Create registers a new schedule. Validation rejects malformed time
// strings and out-of-range day-of-month values before anything persists.
func (h *SchedulesHandler) Create(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sched := models.NewBackupSchedule(req.Name, models.Frequency(req.Frequency), req.Interval, req.TimeOfDay, req.CreatedBy)
	req.apply(sched)
	if err := sched.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	now := time.Now().UTC()
	next, err := sched.NextRunAfter(now)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sched.NextRun = next

	if err := h.store.CreateSchedule(c.Request.Context(), sched); err != nil {
		h.logger.Error().Err(err).Msg("failed to create schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create schedule"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"schedule": sched})
}

// List returns all schedules.
func (h *SchedulesHandler) List(c *gin.Context) {
	schedules, err := h.store.ListSchedules(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list schedules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list schedules"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

// Get returns one schedule by id.
func (h *SchedulesHandler) Get(c *gin.Context) {
	sched, ok := h.loadSchedule(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": sched})
}

// Update modifies a schedule and recomputes its next run.
func (h *SchedulesHandler) Update(c *gin.Context) {
	sched, ok := h.loadSchedule(c)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req.apply(sched)
	if err := sched.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	now := time.Now().UTC()
	if sched.IsActive {
		next, err := sched.NextRunAfter(now)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sched.NextRun = next
	}
	sched.UpdatedAt = now

	if err := h.store.UpdateSchedule(c.Request.Context(), sched); err != nil {
		h.logger.Error().Err(err).Str("schedule_id", sched.ID.String()).Msg("failed to update schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update schedule"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": sched})
}

// Delete removes a schedule and its execution logs.
func (h *SchedulesHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	err = h.store.DeleteSchedule(c.Request.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
	case err != nil:
		h.logger.Error().Err(err).Str("schedule_id", id.String()).Msg("failed to delete schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete schedule"})
	default:
		c.JSON(http.StatusOK, gin.H{"deleted": id})
	}
}

// Toggle flips a schedule's active flag. Reactivation recomputes the next
// run; deactivation freezes it.
func (h *SchedulesHandler) Toggle(c *gin.Context) {
	sched, ok := h.loadSchedule(c)
	if !ok {
		return
	}

	now := time.Now().UTC()
	if sched.IsActive {
		sched.Deactivate(now)
	} else if err := sched.Activate(now); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.UpdateSchedule(c.Request.Context(), sched); err != nil {
		h.logger.Error().Err(err).Str("schedule_id", sched.ID.String()).Msg("failed to toggle schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to toggle schedule"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": sched})
}

// Logs returns the execution history of a schedule.
func (h *SchedulesHandler) Logs(c *gin.Context) {
	sched, ok := h.loadSchedule(c)
	if !ok {
		return
	}
	logs, err := h.store.ListScheduleLogs(c.Request.Context(), sched.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("schedule_id", sched.ID.String()).Msg("failed to list schedule logs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list schedule logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// Stats returns the aggregate schedule rollup.
func (h *SchedulesHandler) Stats(c *gin.Context) {
	stats, err := h.store.GetScheduleStats(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to compute schedule stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute schedule stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *SchedulesHandler) loadSchedule(c *gin.Context) (*models.BackupSchedule, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return nil, false
	}
	sched, err := h.store.GetScheduleByID(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error().Err(err).Str("schedule_id", id.String()).Msg("failed to load schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load schedule"})
		return nil, false
	}
	return sched, true
}
