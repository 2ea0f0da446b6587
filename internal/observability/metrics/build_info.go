package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterBuildInfo publishes a constant gauge carrying the running version and
// one series per enabled accounting unit, so dashboards can tell which units a
// replica meters.
func RegisterBuildInfo(registerer prometheus.Registerer, cfg Config, version string, units []string) error {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := cfg.constLabels()

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "accounting_build_info",
		Help:        "Build version of the running accounting proxy.",
		ConstLabels: constLabels,
	}, []string{"version"})
	unitEnabled := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "accounting_unit_enabled",
		Help:        "Accounting units enabled on this replica.",
		ConstLabels: constLabels,
	}, []string{"unit"})

	for _, c := range []prometheus.Collector{buildInfo, unitEnabled} {
		if err := registerer.Register(c); err != nil {
			return err
		}
	}

	version = strings.TrimSpace(version)
	if version == "" {
		version = "unknown"
	}
	buildInfo.WithLabelValues(version).Set(1)
	for _, u := range units {
		unitEnabled.WithLabelValues(normalizeLabel(u)).Set(1)
	}
	return nil
}
