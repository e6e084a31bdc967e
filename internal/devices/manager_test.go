package devices

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/directory"
	"github.com/KevinKickass/OpenAcqCore/internal/simulator"
	"github.com/KevinKickass/OpenAcqCore/internal/timing/user"
	"github.com/KevinKickass/OpenAcqCore/internal/transport/heap"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const simYAML = `
name: scope
driver: simulator
preferred_transport: heap
nbits: 12
attrs:
  serial: 7
  gain: 2
simulator:
  waveform: ramp
  period: 8
channel_sets:
  - direction: input
    sample_size: 2
    channels:
      - {}
      - nbits: 10
  - direction: output
    sample_size: 2
    channels:
      - disabled: true
`

func newManager(t *testing.T, paths ...string) *Manager {
	t.Helper()
	tree := directory.New()
	reg, err := core.NewRegistry(core.Env{Directory: tree, Attributes: tree, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	require.NoError(t, reg.RegisterTransport(heap.Type(nil, 0)))
	require.NoError(t, reg.RegisterTiming(user.Type(nil)))

	m, err := NewManager(reg, Options{SearchPaths: paths}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m
}

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestParseYAMLDescriptor(t *testing.T) {
	m := newManager(t)
	desc, err := m.Loader().Parse([]byte(simYAML), true)
	require.NoError(t, err)
	assert.Equal(t, "scope", desc.Name)
	assert.Equal(t, map[string]uint32{"serial": 7, "gain": 2}, desc.Attrs)
	require.Len(t, desc.ChannelSets, 2)
	assert.Equal(t, uint32(10), desc.ChannelSets[0].Channels[1].NBits)

	tmpl, err := m.Composer().Template(desc, nil)
	require.NoError(t, err)
	assert.Equal(t, []core.Attr{{Name: "gain", Value: 2}, {Name: "serial", Value: 7}}, tmpl.Attrs)
	assert.Equal(t, core.Output, tmpl.CSets[1].Direction)
	assert.True(t, tmpl.CSets[1].Channels[0].Disabled)
}

func TestSchemaRejectsBadDescriptors(t *testing.T) {
	m := newManager(t)
	for name, body := range map[string]string{
		"no channel sets":    `{"name":"a","driver":"simulator"}`,
		"modbus without bus": `{"name":"a","driver":"modbus","channel_sets":[{"direction":"input","sample_size":2,"channels":[{}]}]}`,
		"odd sample size":    `{"name":"a","driver":"simulator","channel_sets":[{"direction":"input","sample_size":3,"channels":[{}]}]}`,
		"slash in name":      `{"name":"a/b","driver":"simulator","channel_sets":[{"direction":"input","sample_size":2,"channels":[{}]}]}`,
		"unknown field":      `{"name":"a","driver":"simulator","speed":1,"channel_sets":[{"direction":"input","sample_size":2,"channels":[{}]}]}`,
		"not json":           `{`,
	} {
		_, err := m.Loader().Parse([]byte(body), false)
		assert.ErrorIs(t, err, types.ErrProtocolViolation, name)
	}
}

func TestRegisterAcquiresFromSimulator(t *testing.T) {
	m := newManager(t)
	desc, err := m.Loader().Parse([]byte(simYAML), true)
	require.NoError(t, err)

	md, err := m.Register(desc, "inline")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, md.ID)
	assert.Equal(t, "scope", md.Name())
	assert.IsType(t, &simulator.Driver{}, md.Hardware)

	ch, err := md.Device.Channel(0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), ch.Control().NBits)
	s, err := ch.Open()
	require.NoError(t, err)
	defer s.Close()
	sample, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Len(t, sample.Data, 2*user.DefaultPostSamples)

	mod, ok := m.Module(DriverSimulator)
	require.True(t, ok)
	assert.Equal(t, 1, mod.Refs())

	got, err := m.Lookup(md.ID.String())
	require.NoError(t, err)
	assert.Same(t, md, got)
	got, err = m.Lookup("scope")
	require.NoError(t, err)
	assert.Same(t, md, got)
	_, err = m.Lookup("nope")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestLoadProfileSearchesPaths(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeProfile(t, second, "scope.yaml", simYAML)
	writeProfile(t, first, "plain.json", `{"name":"plain","driver":"simulator","channel_sets":[{"direction":"input","sample_size":1,"channels":[{}]}]}`)
	m := newManager(t, first, second)

	md, err := m.LoadProfile("scope")
	require.NoError(t, err)
	assert.Equal(t, "scope", md.Source)

	_, err = m.LoadProfile("plain")
	require.NoError(t, err)

	_, err = m.LoadProfile("missing")
	require.ErrorIs(t, err, types.ErrNotFound)

	names := []string{}
	for _, md := range m.List() {
		names = append(names, md.Name())
	}
	assert.Equal(t, []string{"plain", "scope"}, names)
	assert.Equal(t, []string{"plain", "scope"}, m.Loader().Available())
}

func TestProfileCacheAndRefresh(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "plain.json", `{"name":"plain","driver":"simulator","channel_sets":[{"direction":"input","sample_size":1,"channels":[{}]}]}`)
	loader := newManager(t, dir).Loader()

	desc, err := loader.Load("plain")
	require.NoError(t, err)
	require.Len(t, desc.ChannelSets[0].Channels, 1)

	writeProfile(t, dir, "plain.json", `{"name":"plain","driver":"simulator","channel_sets":[{"direction":"input","sample_size":1,"channels":[{},{}]}]}`)
	cached, err := loader.Load("plain")
	require.NoError(t, err)
	assert.Same(t, desc, cached)

	loader.ClearCache()
	fresh, err := loader.Load("plain")
	require.NoError(t, err)
	assert.Len(t, fresh.ChannelSets[0].Channels, 2)
}

func TestAutoloadContinuesPastFailures(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "scope.yml", simYAML)
	writeProfile(t, dir, "broken.json", `{"name":"broken"}`)
	m := newManager(t, dir)

	err := m.Autoload([]string{"broken", "scope", "ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProtocolViolation)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Contains(t, err.Error(), "ghost")

	require.Len(t, m.List(), 1)
	assert.Equal(t, "scope", m.List()[0].Name())
}

func TestRemoveRespectsOpenStreams(t *testing.T) {
	m := newManager(t)
	desc, err := m.Loader().Parse([]byte(simYAML), true)
	require.NoError(t, err)
	md, err := m.Register(desc, "")
	require.NoError(t, err)

	ch, _ := md.Device.Channel(0, 0)
	s, err := ch.Open()
	require.NoError(t, err)

	require.ErrorIs(t, m.Remove(md.ID, false), types.ErrBusy)
	s.Close()
	require.NoError(t, m.Remove(md.ID, false))
	assert.Empty(t, m.List())

	mod, _ := m.Module(DriverSimulator)
	assert.Zero(t, mod.Refs())
	require.ErrorIs(t, m.Remove(md.ID, false), types.ErrNotFound)
	_, err = m.Registry().Device("scope")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestModbusFactoryChecksChannels(t *testing.T) {
	m := newManager(t)
	desc := &types.DeviceDescriptor{
		Name:   "plc",
		Driver: DriverModbus,
		Modbus: &types.ModbusConfig{Host: "127.0.0.1", Port: 1502},
		ChannelSets: []types.ChannelSetDescriptor{{
			Direction:  "input",
			SampleSize: 4,
			Channels:   []types.ChannelDescriptor{{Register: &types.RegisterRef{Address: 1}}},
		}},
	}
	_, err := m.Register(desc, "")
	require.ErrorIs(t, err, types.ErrProtocolViolation)

	desc.ChannelSets[0].SampleSize = 2
	desc.ChannelSets[0].Channels[0].Register = nil
	_, err = m.Register(desc, "")
	require.ErrorIs(t, err, types.ErrProtocolViolation)

	// a complete descriptor registers without dialing
	desc.ChannelSets[0].Channels[0].Register = &types.RegisterRef{Address: 1, Type: types.RegisterTypeInputRegister}
	md, err := m.Register(desc, "")
	require.NoError(t, err)
	assert.Equal(t, "plc", md.Name())
}
