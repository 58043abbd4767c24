package plugin_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/alertbus/config"
	"github.com/c360/alertbus/decode"
	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/filter"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/plugin"
	"github.com/c360/alertbus/report"
)

type recordingSink struct {
	name   string
	runs   int
	closed int
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Run(context.Context, *idmef.Message) error {
	s.runs++
	return nil
}

func (s *recordingSink) Close() error {
	s.closed++
	return nil
}

type closingDecoder struct {
	closed int
}

func (d *closingDecoder) Name() string { return "closing" }

func (d *closingDecoder) Decode([]byte, *idmef.Message) error { return nil }

func (d *closingDecoder) Close() error {
	d.closed++
	return nil
}

type fixture struct {
	registry *plugin.Registry
	sinks    map[string]*recordingSink
	decoder  *closingDecoder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: plugin.NewRegistry(),
		sinks:    map[string]*recordingSink{},
		decoder:  &closingDecoder{},
	}

	require.NoError(t, f.registry.Register(&plugin.Registration{
		Name: "closing",
		Kind: plugin.KindDecoder,
		Decoder: func(json.RawMessage, plugin.Dependencies) (uint8, decode.Decoder, error) {
			return 7, f.decoder, nil
		},
	}))
	require.NoError(t, f.registry.Register(&plugin.Registration{
		Name: "recording",
		Kind: plugin.KindReport,
		Report: func(name string, raw json.RawMessage, _ plugin.Dependencies) (report.Sink, error) {
			if string(raw) == `{"fail":true}` {
				return nil, stderrors.New("cannot open")
			}
			s := &recordingSink{name: name}
			f.sinks[name] = s
			return s, nil
		},
	}))
	require.NoError(t, f.registry.Register(&plugin.Registration{
		Name: "heartbeats",
		Kind: plugin.KindFilter,
		Filter: func(name string, _ json.RawMessage, _ plugin.Dependencies) (filter.Filter, error) {
			return filter.Func{FilterName: name, Fn: func(m *idmef.Message) bool {
				return m.Kind() == idmef.KindHeartbeat
			}}, nil
		},
	}))
	return f
}

func TestRegistry_Register(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []string{"closing"}, f.registry.Names(plugin.KindDecoder))
	assert.Equal(t, []string{"recording"}, f.registry.Names(plugin.KindReport))

	_, ok := f.registry.Lookup(plugin.KindReport, "closing")
	assert.False(t, ok, "names are scoped by kind")

	err := f.registry.Register(&plugin.Registration{
		Name:   "recording",
		Kind:   plugin.KindReport,
		Report: func(string, json.RawMessage, plugin.Dependencies) (report.Sink, error) { return nil, nil },
	})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrConflict))
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	r := plugin.NewRegistry()
	tests := []struct {
		name string
		reg  *plugin.Registration
	}{
		{"nil", nil},
		{"no name", &plugin.Registration{Kind: plugin.KindFilter}},
		{"unknown kind", &plugin.Registration{Name: "x", Kind: "sensor"}},
		{"missing factory", &plugin.Registration{Name: "x", Kind: plugin.KindReport}},
		{"wrong factory", &plugin.Registration{
			Name:   "x",
			Kind:   plugin.KindDecoder,
			Filter: func(string, json.RawMessage, plugin.Dependencies) (filter.Filter, error) { return nil, nil },
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.reg)
			require.Error(t, err)
			var cfgErr *errors.ConfigurationError
			assert.True(t, stderrors.As(err, &cfgErr))
		})
	}
}

func TestActivate(t *testing.T) {
	f := newFixture(t)

	a, err := f.registry.Activate(
		[]config.DecoderConfig{{Name: "closing"}},
		[]config.ReportConfig{
			{Name: "all", Type: "recording"},
			{Name: "hb", Type: "recording", Filters: []config.FilterConfig{{Type: "heartbeats"}}},
		},
		plugin.Dependencies{},
	)
	require.NoError(t, err)

	_, ok := a.Decoders.Lookup(7)
	assert.True(t, ok)
	assert.Equal(t, []string{"all", "hb"}, a.Reports.Names())

	alert := idmef.New()
	require.NoError(t, alert.SetAlert(&idmef.Alert{MessageID: "1"}))
	res := a.Reports.Dispatch(context.Background(), alert)
	assert.Equal(t, 1, res.Ran)
	assert.Equal(t, 1, res.Skipped)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, f.sinks["all"].closed)
	assert.Equal(t, 1, f.sinks["hb"].closed)
	assert.Equal(t, 1, f.decoder.closed)
}

func TestActivate_FailureReleasesBuiltInstances(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Activate(
		[]config.DecoderConfig{{Name: "closing"}},
		[]config.ReportConfig{
			{Name: "first", Type: "recording"},
			{Name: "broken", Type: "recording", Config: json.RawMessage(`{"fail":true}`)},
		},
		plugin.Dependencies{},
	)
	require.Error(t, err)

	var cfgErr *errors.ConfigurationError
	require.True(t, stderrors.As(err, &cfgErr))
	assert.Equal(t, "broken", cfgErr.Component)
	assert.True(t, errors.IsFatal(err))

	assert.Equal(t, 1, f.sinks["first"].closed)
	assert.Equal(t, 1, f.decoder.closed)
}

func TestActivate_UnknownPlugins(t *testing.T) {
	tests := []struct {
		name     string
		decoders []config.DecoderConfig
		reports  []config.ReportConfig
	}{
		{"decoder", []config.DecoderConfig{{Name: "nope"}}, nil},
		{"report", nil, []config.ReportConfig{{Name: "r", Type: "nope"}}},
		{"filter", nil, []config.ReportConfig{{Name: "r", Type: "recording", Filters: []config.FilterConfig{{Type: "nope"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.registry.Activate(tt.decoders, tt.reports, plugin.Dependencies{})
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))
		})
	}
}

func TestActivate_SubTagConflict(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Activate(
		[]config.DecoderConfig{{Name: "closing"}, {Name: "closing"}},
		nil,
		plugin.Dependencies{},
	)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrConflict))
}

func TestActivate_DuplicateReportName(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Activate(nil, []config.ReportConfig{
		{Name: "dup", Type: "recording"},
		{Name: "dup", Type: "recording"},
	}, plugin.Dependencies{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrConflict))
}
