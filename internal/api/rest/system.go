package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenAcqCore/internal/directory"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	defaultSnifferRecords = 100
	defaultAuditRecords   = 50
	maxAuditRecords       = 1000
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}

type ObjectView struct {
	Path     string            `json:"path"`
	Name     string            `json:"name"`
	Attrs    map[string]uint32 `json:"attrs,omitempty"`
	Children []string          `json:"children"`
}

// GET /api/v1/objects?path=devices/scope/cset0
func (s *Server) getObject(c *gin.Context) {
	node, err := s.lm.Directory().Resolve(c.Query("path"))
	if err != nil {
		respondError(c, "Object not found", err)
		return
	}
	c.JSON(http.StatusOK, describeNode(node))
}

func describeNode(n *directory.Node) ObjectView {
	v := ObjectView{Path: n.Path(), Name: n.Name(), Children: []string{}}
	if a := n.Attrs(); a != nil {
		v.Attrs = a.Map()
	}
	for _, child := range n.Children() {
		v.Children = append(v.Children, child.Name())
	}
	return v
}

// GET /api/v1/sniffer?n=100
func (s *Server) getSniffer(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", strconv.Itoa(defaultSnifferRecords)))
	if err != nil || n < 0 {
		badRequest(c, "Invalid record count", errors.New("n must be a non-negative integer"))
		return
	}
	sn := s.lm.Sniffer()
	c.JSON(http.StatusOK, gin.H{
		"records":     sn.Recent(n),
		"stored":      sn.Len(),
		"capacity":    sn.Capacity(),
		"overwritten": sn.Overwritten(),
	})
}

// DELETE /api/v1/sniffer
func (s *Server) resetSniffer(c *gin.Context) {
	s.lm.Sniffer().Reset()
	c.Status(http.StatusNoContent)
}

// GET /api/v1/audit?device=scope&limit=50
func (s *Server) getAudit(c *gin.Context) {
	audit := s.lm.Audit()
	if audit == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("AUDIT_DISABLED", "Audit log requires the database", nil))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultAuditRecords)))
	if err != nil || limit <= 0 {
		badRequest(c, "Invalid limit", errors.New("limit must be a positive integer"))
		return
	}
	limit = min(limit, maxAuditRecords)

	records, err := audit.Recent(c.Request.Context(), c.Query("device"), limit)
	if err != nil {
		respondError(c, "Failed to read audit log", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
		"dropped": audit.Dropped(),
	})
}
