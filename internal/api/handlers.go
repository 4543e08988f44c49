package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/fleetota/fleetota"
)

type handler struct {
	deployer Deployer
	querier  Querier
}

// deployRequest is the wire form of a deployment initiation.
type deployRequest struct {
	Kind        string  `json:"kind" binding:"required,oneof=firmware advertisement"`
	ArtifactIDs []int64 `json:"artifactIds" binding:"required,min=1"`
	DeviceIDs   []int64 `json:"deviceIds"`
	DivisionIDs []int64 `json:"divisionIds"`
	RegionIDs   []int64 `json:"regionIds"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		req := sl.Current().Interface().(deployRequest)
		if len(req.DeviceIDs) == 0 && len(req.DivisionIDs) == 0 && len(req.RegionIDs) == 0 {
			sl.ReportError(req.DeviceIDs, "deviceIds", "DeviceIDs", "targetrequired", "")
		}
	}, deployRequest{})
	return v
}

func (h *handler) createDeployment(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one of deviceIds, divisionIds or regionIds is required"})
		return
	}

	result, err := h.deployer.Deploy(c.Request.Context(), fleetota.DeployRequest{
		Kind:        fleetota.Kind(req.Kind),
		ArtifactIDs: req.ArtifactIDs,
		Filter: fleetota.TargetFilter{
			DeviceIDs:   req.DeviceIDs,
			DivisionIDs: req.DivisionIDs,
			RegionIDs:   req.RegionIDs,
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"deploymentId": result.DeploymentID,
		"commandId":    result.Command.CommandID,
		"targetCount":  result.TargetCount,
	})
}

func (h *handler) listDeployments(c *gin.Context) {
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 20)
	summaries, pagination, err := h.querier.ListDeployments(c.Request.Context(), page, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deployments": renderSummaries(summaries),
		"pagination":  pagination,
	})
}

func (h *handler) deploymentDetail(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deployment id"})
		return
	}
	detail, err := h.querier.DeploymentDetail(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	body := renderSummary(detail.DeploymentSummary)
	body["devices"] = detail.Devices
	c.JSON(http.StatusOK, body)
}

func renderSummaries(summaries []fleetota.DeploymentSummary) []gin.H {
	out := make([]gin.H, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, renderSummary(s))
	}
	return out
}

func renderSummary(s fleetota.DeploymentSummary) gin.H {
	return gin.H{
		"id":          s.ID,
		"commandId":   s.CommandID,
		"kind":        s.Kind,
		"selector":    s.Selector,
		"deployedAt":  s.DeployedAt,
		"expiresAt":   s.ExpiresAt,
		"artifactIds": s.ArtifactIDs,
		"status":      s.Overall,
		"targets":     s.Targets,
		"counts":      s.Counts,
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fleetota.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, fleetota.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, fleetota.ErrDispatchFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
