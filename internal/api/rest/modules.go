package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type TypeView struct {
	Name      string            `json:"name"`
	Attrs     map[string]uint32 `json:"attrs"`
	Bindings  int               `json:"bindings"`
	Instances int               `json:"instances"`
	ArmOnPush bool              `json:"arm_on_push,omitempty"`
}

type DriverView struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
	Refs   int    `json:"refs"`
}

// GET /api/v1/types
func (s *Server) listTypes(c *gin.Context) {
	reg := s.lm.Registry()
	defTransport, defTiming := reg.Defaults()

	transports := make([]TypeView, 0)
	for _, tt := range reg.Transports() {
		b, n := tt.InUse()
		transports = append(transports, TypeView{Name: tt.Name, Attrs: tt.Attrs.Map(), Bindings: b, Instances: n})
	}

	timings := make([]TypeView, 0)
	for _, tt := range reg.Timings() {
		b, n := tt.InUse()
		timings = append(timings, TypeView{Name: tt.Name, Attrs: tt.Attrs.Map(), Bindings: b, Instances: n, ArmOnPush: tt.ArmOnPush})
	}

	dm := s.lm.DeviceManager()
	drivers := make([]DriverView, 0)
	for _, name := range dm.Composer().Drivers() {
		d := DriverView{Name: name}
		if mod, ok := dm.Module(name); ok {
			d.Loaded = true
			d.Refs = mod.Refs()
		}
		drivers = append(drivers, d)
	}

	c.JSON(http.StatusOK, gin.H{
		"transports":        transports,
		"timings":           timings,
		"drivers":           drivers,
		"default_transport": defTransport,
		"default_timing":    defTiming,
	})
}
