// Package handler implements HTTP request handlers for the operator dashboard
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/services"
)

// PoolService is the identity pool surface the dashboard uses
type PoolService interface {
	Snapshot(ctx context.Context, pool domain.PoolKey) (*services.PoolSnapshot, error)
	Attach(ctx context.Context, rec *domain.IdentityRecord, credential string) error
	Reset(ctx context.Context, key domain.IdentityKey) error
}

// JobReader loads a send job by ID
type JobReader interface {
	Get(ctx context.Context, id string) (*domain.SendJob, error)
}

// CampaignSender enqueues campaign messages
type CampaignSender interface {
	SendCampaignMessage(ctx context.Context, campaignID, channel, recipient, text string) ([]*domain.SendJob, error)
}

// QueueInspector reports queue depth; optional
type QueueInspector interface {
	Depth(ctx context.Context, queue string) (ready, delayed, processing int64, err error)
}

// ConversationCounter reports live conversations
type ConversationCounter interface {
	Count() int
}

// DashboardConfig holds the values shown on the system panels
type DashboardConfig struct {
	Version       string
	QueueName     string
	DiskPath      string
	DiskThreshold float64
	CPUSample     time.Duration
}

// DashboardHandler handles dashboard API requests
type DashboardHandler struct {
	cfg           DashboardConfig
	pool          PoolService
	jobs          JobReader
	sender        CampaignSender
	kill          *services.KillSwitch
	conversations ConversationCounter
	queue         QueueInspector
	startedAt     time.Time
}

// NewDashboardHandler creates a new dashboard handler instance.
// queue may be nil when the backend cannot report depth.
func NewDashboardHandler(
	cfg DashboardConfig,
	pool PoolService,
	jobs JobReader,
	sender CampaignSender,
	kill *services.KillSwitch,
	conversations ConversationCounter,
	queue QueueInspector,
) *DashboardHandler {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.CPUSample <= 0 {
		cfg.CPUSample = time.Second
	}
	return &DashboardHandler{
		cfg:           cfg,
		pool:          pool,
		jobs:          jobs,
		sender:        sender,
		kill:          kill,
		conversations: conversations,
		queue:         queue,
		startedAt:     time.Now(),
	}
}

// ============================================================================
// System Health & Metrics
// ============================================================================

// SystemMetricsResponse represents system health data
type SystemMetricsResponse struct {
	CPUPercent        float64 `json:"cpu_percent"`
	RAMUsedGB         float64 `json:"ram_used_gb"`
	RAMTotalGB        float64 `json:"ram_total_gb"`
	RAMPercent        float64 `json:"ram_percent"`
	DiskUsedGB        float64 `json:"disk_used_gb"`
	DiskTotalGB       float64 `json:"disk_total_gb"`
	DiskPercent       float64 `json:"disk_percent"`
	GoroutinesCount   int     `json:"goroutines_count"`
	WatchdogActive    bool    `json:"watchdog_active"`
	WatchdogThreshold float64 `json:"watchdog_threshold"`
	DiskWarningLevel  string  `json:"disk_warning_level"` // "safe" | "warning" | "critical"
}

// GetSystemMetrics returns current host health
// GET /api/system/metrics
func (h *DashboardHandler) GetSystemMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cpuPercent float64
	if cpuPercents, err := cpu.PercentWithContext(ctx, h.cfg.CPUSample, false); err == nil && len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	var ramUsedGB, ramTotalGB, ramPercent float64
	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ramUsedGB = toGB(memStat.Used)
		ramTotalGB = toGB(memStat.Total)
		ramPercent = memStat.UsedPercent
	}

	var diskUsedGB, diskTotalGB, diskPercent float64
	if diskStat, err := disk.UsageWithContext(ctx, h.cfg.DiskPath); err == nil {
		diskUsedGB = toGB(diskStat.Used)
		diskTotalGB = toGB(diskStat.Total)
		diskPercent = diskStat.UsedPercent
	}

	response := SystemMetricsResponse{
		CPUPercent:        roundTo2Decimals(cpuPercent),
		RAMUsedGB:         roundTo2Decimals(ramUsedGB),
		RAMTotalGB:        roundTo2Decimals(ramTotalGB),
		RAMPercent:        roundTo2Decimals(ramPercent),
		DiskUsedGB:        roundTo2Decimals(diskUsedGB),
		DiskTotalGB:       roundTo2Decimals(diskTotalGB),
		DiskPercent:       roundTo2Decimals(diskPercent),
		GoroutinesCount:   runtime.NumGoroutine(),
		WatchdogActive:    diskPercent >= h.cfg.DiskThreshold,
		WatchdogThreshold: h.cfg.DiskThreshold,
		DiskWarningLevel:  diskWarningLevel(diskPercent, h.cfg.DiskThreshold),
	}

	slog.Debug("System metrics retrieved",
		"cpu", cpuPercent,
		"disk_percent", diskPercent,
		"watchdog_active", response.WatchdogActive,
	)
	writeJSON(w, NewSuccessResponse(response))
}

// ============================================================================
// System Status
// ============================================================================

// SystemStatusResponse represents overall system status
type SystemStatusResponse struct {
	Online              bool                      `json:"online"`
	Uptime              string                    `json:"uptime"`
	Version             string                    `json:"version"`
	ActiveConversations int                       `json:"active_conversations"`
	AutoReply           services.KillSwitchStatus `json:"auto_reply"`
}

// GetStatus returns system status
// GET /api/status
func (h *DashboardHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := SystemStatusResponse{
		Online:    true,
		Uptime:    formatDuration(time.Since(h.startedAt)),
		Version:   h.cfg.Version,
		AutoReply: h.kill.Status(),
	}
	if h.conversations != nil {
		resp.ActiveConversations = h.conversations.Count()
	}
	writeJSON(w, NewSuccessResponse(resp))
}

// QueueDepthResponse is the backlog of the delivery queue
type QueueDepthResponse struct {
	Queue      string `json:"queue"`
	Ready      int64  `json:"ready"`
	Delayed    int64  `json:"delayed"`
	Processing int64  `json:"processing"`
}

// GetQueueDepth returns the delivery queue backlog
// GET /api/queue
func (h *DashboardHandler) GetQueueDepth(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeJSON(w, NewErrorResponse(http.StatusNotImplemented, "Queue backend does not report depth"))
		return
	}
	ready, delayed, processing, err := h.queue.Depth(r.Context(), h.cfg.QueueName)
	if err != nil {
		writeError(w, err, "Failed to read queue depth")
		return
	}
	writeJSON(w, NewSuccessResponse(QueueDepthResponse{
		Queue:      h.cfg.QueueName,
		Ready:      ready,
		Delayed:    delayed,
		Processing: processing,
	}))
}

// ============================================================================
// Identity Pools
// ============================================================================

// GetPool returns a pool's identities and rotation cursor
// GET /api/pools/{campaignID}/{channel}
func (h *DashboardHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	pool := poolFromURL(r)
	snap, err := h.pool.Snapshot(r.Context(), pool)
	if err != nil {
		writeError(w, err, "Failed to load identity pool")
		return
	}
	writeJSON(w, NewSuccessResponse(snap))
}

// AttachIdentityRequest is the JSON payload for attaching an identity
type AttachIdentityRequest struct {
	Address       string `json:"address"`
	Credential    string `json:"credential"`
	DailyLimit    int    `json:"daily_limit"`
	TotalLimit    int    `json:"total_limit"`
	RotationIndex *int   `json:"rotation_index,omitempty"`
}

// AttachIdentity adds an identity to a pool or updates its limits
// POST /api/pools/{campaignID}/{channel}/identities
func (h *DashboardHandler) AttachIdentity(w http.ResponseWriter, r *http.Request) {
	var req AttachIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, BadRequestResponse("Invalid JSON body"))
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		writeJSON(w, BadRequestResponse("address is required"))
		return
	}
	if req.DailyLimit < 0 || req.TotalLimit < 0 {
		writeJSON(w, BadRequestResponse("limits must not be negative"))
		return
	}
	index := domain.AutoRotationIndex
	if req.RotationIndex != nil {
		if *req.RotationIndex < 0 {
			writeJSON(w, BadRequestResponse("rotation_index must not be negative"))
			return
		}
		index = *req.RotationIndex
	}

	pool := poolFromURL(r)
	rec := &domain.IdentityRecord{
		CampaignID:    pool.CampaignID,
		Channel:       pool.Channel,
		Address:       req.Address,
		DailyLimit:    req.DailyLimit,
		TotalLimit:    req.TotalLimit,
		RotationIndex: index,
	}
	if err := h.pool.Attach(r.Context(), rec, req.Credential); err != nil {
		writeError(w, err, "Failed to attach identity")
		return
	}
	writeJSON(w, NewSuccessResponse(rec))
}

// ResetIdentity lifts an identity ban
// POST /api/pools/{campaignID}/{channel}/identities/{address}/reset
func (h *DashboardHandler) ResetIdentity(w http.ResponseWriter, r *http.Request) {
	pool := poolFromURL(r)
	key := domain.IdentityKey{
		CampaignID: pool.CampaignID,
		Channel:    pool.Channel,
		Address:    chi.URLParam(r, "address"),
	}
	if err := h.pool.Reset(r.Context(), key); err != nil {
		writeError(w, err, "Failed to reset identity")
		return
	}
	writeJSON(w, NewSuccessResponse(map[string]string{
		"identity": key.String(),
		"status":   "active",
	}))
}

// ============================================================================
// Jobs & Campaign Messages
// ============================================================================

// GetJob returns one send job
// GET /api/jobs/{id}
func (h *DashboardHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "Failed to load job")
		return
	}
	writeJSON(w, NewSuccessResponse(job))
}

// CampaignMessageRequest represents the JSON payload for a campaign message
type CampaignMessageRequest struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// SendCampaignMessage enqueues a campaign message; the identity is picked by rotation
// POST /api/campaigns/{campaignID}/messages
// Body: {"channel": "facebook", "recipient": "PSID", "text": "Hello!"}
func (h *DashboardHandler) SendCampaignMessage(w http.ResponseWriter, r *http.Request) {
	var req CampaignMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, BadRequestResponse("Invalid JSON body"))
		return
	}
	if req.Channel == "" || req.Recipient == "" {
		writeJSON(w, BadRequestResponse("channel and recipient are required"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, BadRequestResponse("text must not be empty"))
		return
	}

	campaignID := chi.URLParam(r, "campaignID")
	jobs, err := h.sender.SendCampaignMessage(r.Context(), campaignID, req.Channel, req.Recipient, req.Text)
	if err != nil {
		if errors.Is(err, domain.ErrPoolExhausted) {
			slog.Warn("Campaign message rejected, pool exhausted",
				"campaign_id", campaignID,
				"channel", req.Channel,
			)
		}
		writeError(w, err, "Failed to enqueue campaign message")
		return
	}

	ids := make([]string, len(jobs))
	identity := ""
	for i, j := range jobs {
		ids[i] = j.ID
		identity = j.SenderIdentity
	}
	resp := NewSuccessResponse(map[string]interface{}{
		"campaign_id": campaignID,
		"identity":    identity,
		"job_ids":     ids,
	})
	resp.Code = http.StatusAccepted
	writeJSON(w, resp)
}

// ============================================================================
// Auto-reply kill switch
// ============================================================================

// AutoReplyRequest is the optional body of pause/resume
type AutoReplyRequest struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

// GetAutoReply returns the kill switch state
// GET /api/autoreply
func (h *DashboardHandler) GetAutoReply(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, NewSuccessResponse(h.kill.Status()))
}

// PauseAutoReply stops generated replies
// POST /api/autoreply/pause
func (h *DashboardHandler) PauseAutoReply(w http.ResponseWriter, r *http.Request) {
	req := decodeAutoReply(r)
	if req.Reason == "" {
		req.Reason = "manual pause"
	}
	h.kill.Enable(req.Reason, req.Operator)
	writeJSON(w, NewSuccessResponse(h.kill.Status()))
}

// ResumeAutoReply restarts generated replies
// POST /api/autoreply/resume
func (h *DashboardHandler) ResumeAutoReply(w http.ResponseWriter, r *http.Request) {
	req := decodeAutoReply(r)
	h.kill.Disable(req.Operator)
	writeJSON(w, NewSuccessResponse(h.kill.Status()))
}

// ============================================================================
// Helpers
// ============================================================================

func decodeAutoReply(r *http.Request) AutoReplyRequest {
	var req AutoReplyRequest
	if r.Body != nil {
		// body is optional
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Operator == "" {
		req.Operator = "operator"
	}
	return req
}

func poolFromURL(r *http.Request) domain.PoolKey {
	return domain.PoolKey{
		CampaignID: chi.URLParam(r, "campaignID"),
		Channel:    chi.URLParam(r, "channel"),
	}
}

func toGB(b uint64) float64 {
	return float64(b) / 1024 / 1024 / 1024
}

func roundTo2Decimals(val float64) float64 {
	return float64(int(val*100)) / 100
}

func diskWarningLevel(percent, threshold float64) string {
	switch {
	case percent < threshold:
		return "safe"
	case percent < threshold+10:
		return "warning"
	default:
		return "critical"
	}
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	if hours > 24 {
		days := hours / 24
		hours = hours % 24
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}

	return fmt.Sprintf("%dh %dm", hours, minutes)
}
