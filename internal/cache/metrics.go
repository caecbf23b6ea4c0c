package cache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// metrics holds the Prometheus collectors of a store.
type metrics struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	stores        prometheus.Counter
	storeFailures prometheus.Counter
	deletes       prometheus.Counter
	evictions     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, s *DiskStore) *metrics {
	m := &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "urlcache",
			Name:      "hits_total",
			Help:      "Total cache lookups that found a live entry.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "urlcache",
			Name:      "misses_total",
			Help:      "Total cache lookups that found nothing or an expired entry.",
		}),
		stores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "urlcache",
			Name:      "stores_total",
			Help:      "Total entries written.",
		}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "urlcache",
			Name:      "store_failures_total",
			Help:      "Total writes rejected by the storage medium.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "urlcache",
			Name:      "deletes_total",
			Help:      "Total entries removed by explicit delete.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urlcache",
			Name:      "evictions_total",
			Help:      "Total entries removed by trim or clear.",
		}, []string{"reason"}),
	}

	if reg == nil {
		return m
	}

	collectors := []prometheus.Collector{
		m.hits, m.misses, m.stores, m.storeFailures, m.deletes, m.evictions,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "urlcache",
			Name:      "size_bytes",
			Help:      "Aggregate size of live entry bodies.",
		}, func() float64 { return float64(s.Size()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "urlcache",
			Name:      "entries",
			Help:      "Number of live entries.",
		}, func() float64 { return float64(s.Len()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				logrus.Warnf("Cache metric already registered, skipping: %v", err)
				continue
			}
			logrus.Errorf("Failed to register cache metric: %v", err)
		}
	}
	return m
}
