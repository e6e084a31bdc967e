package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/devices"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxDescriptorBytes = 1 << 20

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	managed := s.lm.DeviceManager().List()

	response := make([]devices.DeviceView, 0, len(managed))
	for _, md := range managed {
		response = append(response, devices.Describe(md, false))
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": response,
		"count":   len(response),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	ref := c.Param("id")
	if md, err := s.lm.DeviceManager().Lookup(ref); err == nil {
		c.JSON(http.StatusOK, devices.Describe(md, true))
		return
	}
	dev, err := s.lm.Registry().Device(ref)
	if err != nil {
		respondError(c, "Device not found", err)
		return
	}
	c.JSON(http.StatusOK, devices.DescribeDevice(dev, true))
}

func isYAML(contentType string) bool {
	return strings.Contains(contentType, "yaml")
}

// POST /api/v1/devices
//
// The body is a descriptor (JSON, or YAML with a yaml content type) or
// {"profile": "<name>"} to load one from the search paths.
func (s *Server) createDevice(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDescriptorBytes))
	if err != nil {
		badRequest(c, "Failed to read body", err)
		return
	}

	dm := s.lm.DeviceManager()
	var md *devices.Managed
	yamlBody := isYAML(c.ContentType())

	var ref struct {
		Profile string `json:"profile"`
	}
	if !yamlBody && json.Unmarshal(data, &ref) == nil && ref.Profile != "" {
		md, err = dm.LoadProfile(ref.Profile)
	} else {
		var desc *types.DeviceDescriptor
		desc, err = dm.Loader().Parse(data, yamlBody)
		if err == nil {
			md, err = dm.Register(desc, "api")
		}
	}
	if err != nil {
		s.logger.Warn("Device registration failed", zap.Error(err))
		respondError(c, "Failed to register device", err)
		return
	}

	c.JSON(http.StatusCreated, devices.Describe(md, true))
}

// DELETE /api/v1/devices/:id?force=true
func (s *Server) deleteDevice(c *gin.Context) {
	md, err := s.lm.DeviceManager().Lookup(c.Param("id"))
	if err != nil {
		respondError(c, "Device not found", err)
		return
	}
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))

	if err := s.lm.DeviceManager().Remove(md.ID, force); err != nil {
		respondError(c, "Failed to remove device", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Device removed",
		"id":      md.ID,
		"name":    md.Name(),
	})
}

// GET /api/v1/profiles?refresh=true
func (s *Server) listProfiles(c *gin.Context) {
	loader := s.lm.DeviceManager().Loader()
	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		loader.ClearCache()
	}
	c.JSON(http.StatusOK, gin.H{
		"profiles":     loader.Available(),
		"search_paths": loader.SearchPaths(),
	})
}

// device resolves :id by UUID or name, managed devices first.
func (s *Server) device(c *gin.Context) (*core.Device, bool) {
	ref := c.Param("id")
	if md, err := s.lm.DeviceManager().Lookup(ref); err == nil {
		return md.Device, true
	}
	dev, err := s.lm.Registry().Device(ref)
	if err != nil {
		respondError(c, "Device not found", err)
		return nil, false
	}
	return dev, true
}

func (s *Server) channelSet(c *gin.Context) (*core.ChannelSet, bool) {
	dev, ok := s.device(c)
	if !ok {
		return nil, false
	}
	idx, err := strconv.Atoi(c.Param("cset"))
	if err != nil {
		badRequest(c, "Invalid channel set index", err)
		return nil, false
	}
	cs, err := dev.Set(idx)
	if err != nil {
		respondError(c, "Channel set not found", err)
		return nil, false
	}
	return cs, true
}

func (s *Server) channel(c *gin.Context) (*core.Channel, bool) {
	cs, ok := s.channelSet(c)
	if !ok {
		return nil, false
	}
	idx, err := strconv.Atoi(c.Param("chan"))
	if err != nil {
		badRequest(c, "Invalid channel index", err)
		return nil, false
	}
	ch, err := cs.Channel(idx)
	if err != nil {
		respondError(c, "Channel not found", err)
		return nil, false
	}
	return ch, true
}
