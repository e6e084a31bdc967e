package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenAcqCore/internal/auth"
	"github.com/KevinKickass/OpenAcqCore/internal/devices"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type BindingRequest struct {
	Name string `json:"name" binding:"required"`
}

type AttrRequest struct {
	Value *uint32 `json:"value" binding:"required"`
}

type EnableRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// PUT /api/v1/devices/:id/csets/:cset/transport
func (s *Server) changeTransport(c *gin.Context) {
	s.changeBinding(c, true)
}

// PUT /api/v1/devices/:id/csets/:cset/timing
func (s *Server) changeTiming(c *gin.Context) {
	s.changeBinding(c, false)
}

func (s *Server) changeBinding(c *gin.Context, transport bool) {
	var req BindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	cs, ok := s.channelSet(c)
	if !ok {
		return
	}

	target := "timing"
	change := cs.ChangeTiming
	if transport {
		target = "transport"
		change = cs.ChangeTransport
	}

	s.logger.Info("Binding change requested",
		zap.String("device", cs.Device().Name()),
		zap.Int("cset", cs.Index()),
		zap.String("target", target),
		zap.String("to", req.Name),
		zap.String("user", auth.Username(c)))

	if err := change(req.Name); err != nil {
		respondError(c, "Failed to change "+target, err)
		return
	}
	c.JSON(http.StatusOK, devices.DescribeDevice(cs.Device(), true).Sets[cs.Index()])
}

// PUT /api/v1/devices/:id/csets/:cset/timing/attrs/:attr
func (s *Server) setTimingAttr(c *gin.Context) {
	var req AttrRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	cs, ok := s.channelSet(c)
	if !ok {
		return
	}
	if err := cs.SetTimingAttr(c.Param("attr"), *req.Value); err != nil {
		respondError(c, "Failed to set timing attribute", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"timing_attrs": cs.Timing().Attrs().Map(),
	})
}

// POST /api/v1/devices/:id/csets/:cset/arm
func (s *Server) armSet(c *gin.Context) {
	cs, ok := s.channelSet(c)
	if !ok {
		return
	}
	if err := cs.Arm(); err != nil {
		respondError(c, "Failed to arm", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"flags": cs.Flags().String()})
}

// PUT /api/v1/devices/:id/csets/:cset/enabled
func (s *Server) setEnabled(c *gin.Context) {
	var req EnableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	cs, ok := s.channelSet(c)
	if !ok {
		return
	}
	cs.SetTimingEnabled(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"flags": cs.Flags().String()})
}
