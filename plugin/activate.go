package plugin

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/c360/alertbus/config"
	"github.com/c360/alertbus/decode"
	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/filter"
	"github.com/c360/alertbus/report"
)

// Activation owns every plugin instance built from one configuration
type Activation struct {
	Decoders *decode.Registry
	Reports  *report.Set

	closers []namedCloser
	logger  *slog.Logger
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// Activate builds the configured decoders and reports. Any failure is a
// ConfigurationError and releases the instances built so far.
func (r *Registry) Activate(
	decoders []config.DecoderConfig,
	reports []config.ReportConfig,
	deps Dependencies,
	setOpts ...report.Option,
) (*Activation, error) {
	logger := deps.GetLogger().With("component", "plugin")
	a := &Activation{
		Decoders: decode.NewRegistry(deps.GetLogger()),
		Reports:  report.NewSet(append([]report.Option{report.WithLogger(deps.GetLogger())}, setOpts...)...),
		logger:   logger,
	}

	if err := r.activateDecoders(a, decoders, deps); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := r.activateReports(a, reports, deps); err != nil {
		_ = a.Close()
		return nil, err
	}

	logger.Info("Plugins activated",
		"decoders", len(decoders),
		"reports", a.Reports.Len())
	return a, nil
}

func (r *Registry) activateDecoders(a *Activation, cfgs []config.DecoderConfig, deps Dependencies) error {
	for _, cfg := range cfgs {
		reg, ok := r.Lookup(KindDecoder, cfg.Name)
		if !ok {
			return errors.NewConfigurationError(cfg.Name,
				fmt.Errorf("%w: unknown decoder plugin %q", errors.ErrInvalidConfig, cfg.Name))
		}
		subTag, dec, err := reg.Decoder(cfg.Config, deps)
		if err != nil {
			return asConfigurationError(cfg.Name, err)
		}
		if closer, ok := dec.(io.Closer); ok {
			a.closers = append(a.closers, namedCloser{name: cfg.Name, closer: closer})
		}
		if err := a.Decoders.Register(subTag, dec); err != nil {
			return err
		}
		a.logger.Debug("Decoder activated", "decoder", cfg.Name, "sub_tag", subTag)
	}
	return nil
}

func (r *Registry) activateReports(a *Activation, cfgs []config.ReportConfig, deps Dependencies) error {
	for _, cfg := range cfgs {
		chain, err := r.buildChain(cfg, deps)
		if err != nil {
			return err
		}

		reg, ok := r.Lookup(KindReport, cfg.Type)
		if !ok {
			return errors.NewConfigurationError(cfg.Name,
				fmt.Errorf("%w: unknown report plugin %q", errors.ErrInvalidConfig, cfg.Type))
		}
		sink, err := reg.Report(cfg.Name, cfg.Config, deps)
		if err != nil {
			return asConfigurationError(cfg.Name, err)
		}
		if _, err := a.Reports.Add(sink, chain); err != nil {
			if cerr := sink.Close(); cerr != nil {
				a.logger.Warn("Failed to close rejected report sink", "sink", cfg.Name, "error", cerr)
			}
			return err
		}
		a.logger.Debug("Report activated", "sink", cfg.Name, "type", cfg.Type, "filters", chain.Names())
	}
	return nil
}

func (r *Registry) buildChain(cfg config.ReportConfig, deps Dependencies) (filter.Chain, error) {
	filters := make([]filter.Filter, 0, len(cfg.Filters))
	for i, fc := range cfg.Filters {
		reg, ok := r.Lookup(KindFilter, fc.Type)
		if !ok {
			return filter.Chain{}, errors.NewConfigurationError(cfg.Name,
				fmt.Errorf("%w: unknown filter plugin %q", errors.ErrInvalidConfig, fc.Type))
		}
		name := fc.Name
		if name == "" {
			name = fmt.Sprintf("%s.%s.%d", cfg.Name, fc.Type, i)
		}
		f, err := reg.Filter(name, fc.Config, deps)
		if err != nil {
			return filter.Chain{}, asConfigurationError(cfg.Name, err)
		}
		filters = append(filters, f)
	}
	return filter.NewChain(filters...), nil
}

// Close releases the report sinks, then the decoders holding resources.
// Later calls return nil.
func (a *Activation) Close() error {
	err := a.Reports.Close()
	for _, c := range a.closers {
		if cerr := c.closer.Close(); cerr != nil {
			a.logger.Warn("Failed to close decoder", "decoder", c.name, "error", cerr)
		}
	}
	a.closers = nil
	return err
}

func asConfigurationError(name string, err error) error {
	var cfgErr *errors.ConfigurationError
	if stderrors.As(err, &cfgErr) {
		return err
	}
	return errors.NewConfigurationError(name, err)
}
