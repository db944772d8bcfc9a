// Package stats holds the proxy's prometheus instruments.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const subsystem = "dubbo"

// Stats are the increment-only counters and gauges reported by the proxy.
type Stats struct {
	Request                        prometheus.Counter
	RequestTwoWay                  prometheus.Counter
	RequestOneway                  prometheus.Counter
	RequestEvent                   prometheus.Counter
	RequestDecodingError           prometheus.Counter
	RequestDecodingSuccess         prometheus.Counter
	RequestActive                  prometheus.Gauge
	Response                       prometheus.Counter
	ResponseSuccess                prometheus.Counter
	ResponseError                  prometheus.Counter
	ResponseBusinessException      prometheus.Counter
	LocalResponseSuccess           prometheus.Counter
	LocalResponseError             prometheus.Counter
	LocalResponseBusinessException prometheus.Counter
	CxDestroyLocalWithActiveRq     prometheus.Counter
	CxDestroyRemoteWithActiveRq    prometheus.Counter
	FlowControlPausedReading       prometheus.Counter
	FlowControlResumedReading      prometheus.Counter
	CxTotal                        prometheus.Counter
	CxActive                       prometheus.Gauge
}

// New registers the instruments on reg under namespace.
func New(namespace string, reg prometheus.Registerer) *Stats {
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Stats{
		Request:                        counter("request_total", "Requests decoded"),
		RequestTwoWay:                  counter("request_twoway_total", "Two-way requests decoded"),
		RequestOneway:                  counter("request_oneway_total", "Oneway requests decoded"),
		RequestEvent:                   counter("request_event_total", "Heartbeat requests received"),
		RequestDecodingError:           counter("request_decoding_error_total", "Connections closed on a decode error"),
		RequestDecodingSuccess:         counter("request_decoding_success_total", "Messages fully decoded"),
		RequestActive:                  gauge("request_active", "Messages currently in flight"),
		Response:                       counter("response_total", "Upstream responses written downstream"),
		ResponseSuccess:                counter("response_success_total", "Upstream responses carrying a value"),
		ResponseError:                  counter("response_error_total", "Upstream responses that could not be relayed"),
		ResponseBusinessException:      counter("response_business_exception_total", "Upstream responses carrying a business exception"),
		LocalResponseSuccess:           counter("local_response_success_total", "Local replies with a value"),
		LocalResponseError:             counter("local_response_error_total", "Local error replies"),
		LocalResponseBusinessException: counter("local_response_business_exception_total", "Local business exception replies"),
		CxDestroyLocalWithActiveRq:     counter("cx_destroy_local_with_active_rq_total", "Messages reset by a local close"),
		CxDestroyRemoteWithActiveRq:    counter("cx_destroy_remote_with_active_rq_total", "Messages reset by a remote close"),
		FlowControlPausedReading:       counter("downstream_flow_control_paused_reading_total", "Times reading was disabled by the write buffer"),
		FlowControlResumedReading:      counter("downstream_flow_control_resumed_reading_total", "Times reading was re-enabled by the write buffer"),
		CxTotal:                        counter("cx_total", "Downstream connections accepted"),
		CxActive:                       gauge("cx_active", "Downstream connections open"),
	}
}
