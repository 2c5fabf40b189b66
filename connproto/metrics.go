package connproto

import "github.com/prometheus/client_golang/prometheus"

// metricsSet holds the Prometheus collectors a Connection updates as
// it runs. Every Connection registers its own instance against the
// registerer passed to NewConnection so a process hosting many
// connections gets one series per metric, not one registration panic
// per connection.
type metricsSet struct {
	channelsOpened   prometheus.Counter
	channelsActive   prometheus.Gauge
	bytesIn          prometheus.Counter
	bytesOut         prometheus.Counter
	protocolErrors   prometheus.Counter
}

func newMetricsSet(reg prometheus.Registerer) *metricsSet {
	m := &metricsSet{
		channelsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sshcore",
			Name:      "channels_opened_total",
			Help:      "Channels opened (either direction) over the lifetime of the connection.",
		}),
		channelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sshcore",
			Name:      "channels_active",
			Help:      "Channels currently in the Running state.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sshcore",
			Name:      "channel_bytes_in_total",
			Help:      "Payload bytes received via ChannelData/ChannelExtendedData.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sshcore",
			Name:      "channel_bytes_out_total",
			Help:      "Payload bytes sent via ChannelData/ChannelExtendedData.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sshcore",
			Name:      "protocol_errors_total",
			Help:      "Fatal protocol errors that tore down a connection.",
		}),
	}
	if reg != nil {
		reuse := func(c prometheus.Collector) prometheus.Collector {
			if err := reg.Register(c); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					return are.ExistingCollector
				}
				panic(err)
			}
			return c
		}
		m.channelsOpened = reuse(m.channelsOpened).(prometheus.Counter)
		m.channelsActive = reuse(m.channelsActive).(prometheus.Gauge)
		m.bytesIn = reuse(m.bytesIn).(prometheus.Counter)
		m.bytesOut = reuse(m.bytesOut).(prometheus.Counter)
		m.protocolErrors = reuse(m.protocolErrors).(prometheus.Counter)
	}
	return m
}
