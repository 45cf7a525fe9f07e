package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/towerterm/tower/src/substrate/manager"
	"github.com/towerterm/tower/src/substrate/upgrade"
)

// Build information, set via ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// SystemHandler exposes liveness and the zero-downtime upgrade trigger.
type SystemHandler struct {
	*BaseHandler
	mgr *manager.Manager
	upg *upgrade.Upgrader
}

// NewSystemHandler wires a SystemHandler to the manager (for reconciliation
// state) and the upgrader (for binary-swap progress).
func NewSystemHandler(mgr *manager.Manager, upg *upgrade.Upgrader) *SystemHandler {
	return &SystemHandler{
		BaseHandler: NewBaseHandler(),
		mgr:         mgr,
		upg:         upg,
	}
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	GitCommit     string  `json:"gitCommit"`
	BuildTime     string  `json:"buildTime"`
	GoVersion     string  `json:"goVersion"`
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Reconciling   bool    `json:"reconciling"`
	StartedAt     string  `json:"startedAt"`
} // @name HealthResponse

// HandleHealth handles GET requests to /health.
// @Summary Health check
// @Description Returns liveness and reconciliation status
// @Tags system
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *SystemHandler) HandleHealth(c *gin.Context) {
	uptime := time.Since(startTime)
	h.SendJSON(c, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       Version,
		GitCommit:     GitCommit,
		BuildTime:     BuildTime,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Reconciling:   h.mgr.IsReconciling(),
		StartedAt:     startTime.Format(time.RFC3339),
	})
}

// upgradeRequest is the POST /upgrade body.
type upgradeRequest struct {
	Version   string `json:"version"`
	BinaryURL string `json:"binary_url"`
}

// HandleUpgrade triggers a tableflip binary swap in the background and
// returns immediately; progress is polled via HandleUpgradeStatus.
// @Summary Trigger a zero-downtime binary upgrade
// @Tags system
// @Accept json
// @Produce json
// @Success 202 {object} SuccessResponse
// @Router /upgrade [post]
func (h *SystemHandler) HandleUpgrade(c *gin.Context) {
	var req upgradeRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	go h.upg.Trigger(req.Version, req.BinaryURL)
	h.SendJSON(c, http.StatusAccepted, gin.H{"message": "upgrade triggered"})
}

// HandleUpgradeStatus handles GET requests to /upgrade.
// @Summary Read upgrade progress
// @Tags system
// @Produce json
// @Success 200 {object} upgrade.Status
// @Router /upgrade [get]
func (h *SystemHandler) HandleUpgradeStatus(c *gin.Context) {
	h.SendJSON(c, http.StatusOK, h.upg.Status())
}
