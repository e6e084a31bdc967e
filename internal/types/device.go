package types

// DeviceDescriptor describes one acquisition device in a profile file.
type DeviceDescriptor struct {
	Name               string                 `json:"name" yaml:"name"`
	Driver             string                 `json:"driver" yaml:"driver"`
	Description        string                 `json:"description,omitempty" yaml:"description,omitempty"`
	PreferredTransport string                 `json:"preferred_transport,omitempty" yaml:"preferred_transport,omitempty"`
	PreferredTiming    string                 `json:"preferred_timing,omitempty" yaml:"preferred_timing,omitempty"`
	NBits              uint32                 `json:"nbits,omitempty" yaml:"nbits,omitempty"`
	Attrs              map[string]uint32      `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	Simulator          *SimulatorConfig       `json:"simulator,omitempty" yaml:"simulator,omitempty"`
	Modbus             *ModbusConfig          `json:"modbus,omitempty" yaml:"modbus,omitempty"`
	ChannelSets        []ChannelSetDescriptor `json:"channel_sets" yaml:"channel_sets"`
}

type ChannelSetDescriptor struct {
	Direction        string              `json:"direction" yaml:"direction"`
	SelfTimed        bool                `json:"self_timed,omitempty" yaml:"self_timed,omitempty"`
	SampleSize       uint32              `json:"sample_size" yaml:"sample_size"`
	NBits            uint32              `json:"nbits,omitempty" yaml:"nbits,omitempty"`
	DefaultTransport string              `json:"default_transport,omitempty" yaml:"default_transport,omitempty"`
	DefaultTiming    string              `json:"default_timing,omitempty" yaml:"default_timing,omitempty"`
	Attrs            map[string]uint32   `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	Channels         []ChannelDescriptor `json:"channels" yaml:"channels"`
}

type ChannelDescriptor struct {
	NBits    uint32            `json:"nbits,omitempty" yaml:"nbits,omitempty"`
	Disabled bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Attrs    map[string]uint32 `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	Register *RegisterRef      `json:"register,omitempty" yaml:"register,omitempty"`
}

// RegisterRef places a modbus channel in the slave's register map.
type RegisterRef struct {
	Address uint16       `json:"address" yaml:"address"`
	Type    RegisterType `json:"type,omitempty" yaml:"type,omitempty"`
}

type RegisterType string

const (
	RegisterTypeInputRegister   RegisterType = "input_register"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
)

type SimulatorConfig struct {
	Waveform  string `json:"waveform,omitempty" yaml:"waveform,omitempty"`
	Period    int    `json:"period,omitempty" yaml:"period,omitempty"`
	LatencyMs int    `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
}

type ModbusConfig struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	UnitID    int    `json:"unit_id" yaml:"unit_id"`
	TimeoutMs int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}
