package task

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"metapilot-automation/pkg/errutil"
)

// Handler exposes the task CRUD surface over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	tasks := r.Group("/tasks")
	tasks.POST("", h.Create)
	tasks.GET("", h.List)
	tasks.GET("/:id", h.Get)
	tasks.PATCH("/:id", h.Update)
	tasks.POST("/:id/pause", h.Pause)
	tasks.POST("/:id/resume", h.Resume)
	tasks.DELETE("/:id", h.Delete)
	tasks.GET("/:id/history", h.History)
}

type createTaskRequest struct {
	UserID            string        `json:"userId"`
	WalletAddress     string        `json:"walletAddress"`
	SessionKeyAddress string        `json:"sessionKeyAddress"`
	Type              Type          `json:"type"`
	Recurring         bool          `json:"recurring"`
	Conditions        []Condition   `json:"conditions"`
	Configuration     Configuration `json:"configuration"`
}

type updateTaskRequest struct {
	SessionKeyAddress *string        `json:"sessionKeyAddress"`
	Conditions        []Condition    `json:"conditions"`
	Configuration     *Configuration `json:"configuration"`
}

type taskResponse struct {
	ID                string        `json:"id"`
	UserID            string        `json:"userId"`
	WalletAddress     string        `json:"walletAddress"`
	SessionKeyAddress string        `json:"sessionKeyAddress,omitempty"`
	Type              Type          `json:"type"`
	Status            Status        `json:"status"`
	Recurring         bool          `json:"recurring"`
	Conditions        []Condition   `json:"conditions"`
	Configuration     Configuration `json:"configuration"`
	LastCheckedAt     *time.Time    `json:"lastCheckedAt,omitempty"`
	LastExecutedAt    *time.Time    `json:"lastExecutedAt,omitempty"`
	NextCheckAt       *time.Time    `json:"nextCheckAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

type historyEntryResponse struct {
	Timestamp       time.Time  `json:"timestamp"`
	Status          ExecStatus `json:"status"`
	TransactionHash string     `json:"transactionHash,omitempty"`
	Error           string     `json:"error,omitempty"`
	Details         any        `json:"details,omitempty"`
}

func toTaskResponse(t *Task) (taskResponse, error) {
	conds, err := t.ParseConditions()
	if err != nil {
		return taskResponse{}, errutil.Internal("failed to decode conditions", err)
	}
	cfg, err := t.ParseConfiguration()
	if err != nil {
		return taskResponse{}, errutil.Internal("failed to decode configuration", err)
	}
	if conds == nil {
		conds = []Condition{}
	}
	return taskResponse{
		ID:                t.ID,
		UserID:            t.UserID,
		WalletAddress:     t.WalletAddress,
		SessionKeyAddress: t.SessionKeyAddress,
		Type:              t.Type,
		Status:            t.Status,
		Recurring:         !t.OneTime,
		Conditions:        conds,
		Configuration:     cfg,
		LastCheckedAt:     t.LastCheckedAt,
		LastExecutedAt:    t.LastExecutedAt,
		NextCheckAt:       t.NextCheckAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}, nil
}

func (h *Handler) Create(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.Validation("invalid request body"))
		return
	}

	t, err := h.svc.CreateTask(c.Request.Context(), CreateTaskInput{
		UserID:            req.UserID,
		WalletAddress:     req.WalletAddress,
		SessionKeyAddress: req.SessionKeyAddress,
		Type:              req.Type,
		Recurring:         req.Recurring,
		Conditions:        req.Conditions,
		Configuration:     req.Configuration,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.respond(c, http.StatusCreated, t)
}

func (h *Handler) List(c *gin.Context) {
	userID := c.Query("userId")
	tasks, err := h.svc.ListTasks(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]taskResponse, 0, len(tasks))
	for i := range tasks {
		resp, err := toTaskResponse(&tasks[i])
		if err != nil {
			_ = c.Error(err)
			return
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (h *Handler) Get(c *gin.Context) {
	t, err := h.svc.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.respond(c, http.StatusOK, t)
}

func (h *Handler) Update(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.Validation("invalid request body"))
		return
	}

	t, err := h.svc.UpdateTask(c.Request.Context(), c.Param("id"), UpdateTaskInput{
		SessionKeyAddress: req.SessionKeyAddress,
		Conditions:        req.Conditions,
		Configuration:     req.Configuration,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.respond(c, http.StatusOK, t)
}

func (h *Handler) Pause(c *gin.Context) {
	t, err := h.svc.PauseTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.respond(c, http.StatusOK, t)
}

func (h *Handler) Resume(c *gin.Context) {
	t, err := h.svc.ResumeTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.respond(c, http.StatusOK, t)
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.svc.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	records, err := h.svc.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]historyEntryResponse, 0, len(records))
	for _, rec := range records {
		entry := historyEntryResponse{
			Timestamp:       rec.CreatedAt,
			Status:          rec.Status,
			TransactionHash: rec.TransactionHash,
			Error:           rec.Error,
		}
		if len(rec.Details) > 0 {
			entry.Details = rec.Details
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"history": out})
}

func (h *Handler) respond(c *gin.Context, status int, t *Task) {
	resp, err := toTaskResponse(t)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(status, resp)
}
