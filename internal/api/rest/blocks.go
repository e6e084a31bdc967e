package rest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"github.com/gin-gonic/gin"
)

// WriteBlockRequest carries either raw bytes (base64 in JSON) or samples
// that are encoded little-endian with the set sample size.
type WriteBlockRequest struct {
	Data    []byte   `json:"data"`
	Samples []uint64 `json:"samples"`
}

// GET /api/v1/devices/:id/csets/:cset/channels/:chan/block?timeout=2s
func (s *Server) readBlock(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}

	timeout := s.lm.Config().Acquisition.ReadTimeout
	if q := c.Query("timeout"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			badRequest(c, "Invalid timeout", fmt.Errorf("timeout %q: %w", q, err))
			return
		}
		timeout = d
	}

	stream, err := ch.Open()
	if err != nil {
		respondError(c, "Failed to open channel", err)
		return
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	sample, err := stream.Read(ctx)
	if err != nil {
		respondError(c, "Failed to read block", err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

// POST /api/v1/devices/:id/csets/:cset/channels/:chan/block
func (s *Server) writeBlock(c *gin.Context) {
	var req WriteBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	ch, ok := s.channel(c)
	if !ok {
		return
	}

	data := req.Data
	if len(req.Samples) > 0 {
		if len(data) > 0 {
			badRequest(c, "Invalid request body", errors.New("data and samples are exclusive"))
			return
		}
		var err error
		if data, err = encodeSamples(req.Samples, int(ch.Set().SampleSize())); err != nil {
			respondError(c, "Invalid samples", err)
			return
		}
	}

	stream, err := ch.Open()
	if err != nil {
		respondError(c, "Failed to open channel", err)
		return
	}
	defer stream.Close()

	if err := stream.Write(c.Request.Context(), data); err != nil {
		respondError(c, "Failed to write block", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"bytes":  len(data),
		"queued": ch.Transport().Backend().Len(),
	})
}

func encodeSamples(samples []uint64, ssize int) ([]byte, error) {
	out := make([]byte, len(samples)*ssize)
	for i, v := range samples {
		if ssize < 8 && v >= 1<<(8*ssize) {
			return nil, fmt.Errorf("sample %d value %d exceeds %d bytes: %w", i, v, ssize, types.ErrProtocolViolation)
		}
		b := out[i*ssize : (i+1)*ssize]
		switch ssize {
		case 1:
			b[0] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(b, uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(b, uint32(v))
		case 8:
			binary.LittleEndian.PutUint64(b, v)
		default:
			return nil, fmt.Errorf("sample size %d: %w", ssize, types.ErrProtocolViolation)
		}
	}
	return out, nil
}
