package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ivrkit/ivrkit/internal/call"
	"github.com/ivrkit/ivrkit/internal/database/models"
	"github.com/ivrkit/ivrkit/internal/media"
	"github.com/ivrkit/ivrkit/internal/sip"
)

// LineProvider exposes line state.
type LineProvider interface {
	ActiveCalls() int
	StatusCounts() map[call.LineStatus]int
}

// SignalingProvider exposes SIP agent state.
type SignalingProvider interface {
	Registration() sip.RegistrationState
	PendingCalls() int
	RTPStats() media.RTPStats
}

// OutcomeCounter returns call record counts grouped by outcome.
type OutcomeCounter interface {
	CountByOutcome(ctx context.Context) ([]models.OutcomeCount, error)
}

var lineStatuses = []call.LineStatus{
	call.StatusOnHook,
	call.StatusOffHook,
	call.StatusAcceptingCalls,
	call.StatusConnected,
}

// Collector is a prometheus.Collector that gathers ivrkit metrics at scrape time.
type Collector struct {
	lines     LineProvider
	signaling SignalingProvider
	outcomes  OutcomeCounter
	startTime time.Time

	activeCallsDesc  *prometheus.Desc
	lineStatusDesc   *prometheus.Desc
	pendingCallsDesc *prometheus.Desc
	registeredDesc   *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	rtpPacketsDesc   *prometheus.Desc
	rtpDroppedDesc   *prometheus.Desc
	rtpDigitsDesc    *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(lines LineProvider, signaling SignalingProvider, outcomes OutcomeCounter, startTime time.Time) *Collector {
	return &Collector{
		lines:     lines,
		signaling: signaling,
		outcomes:  outcomes,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"ivrkit_active_calls",
			"Number of lines with a call up",
			nil, nil,
		),
		lineStatusDesc: prometheus.NewDesc(
			"ivrkit_lines",
			"Number of lines in each status",
			[]string{"status"}, nil,
		),
		pendingCallsDesc: prometheus.NewDesc(
			"ivrkit_inbound_ringing",
			"Inbound calls claimed by a line and not yet answered",
			nil, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"ivrkit_sip_registration",
			"SIP registration state (1=registered, 0=other)",
			[]string{"status"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"ivrkit_calls_total",
			"Total number of calls recorded, by outcome",
			[]string{"outcome"}, nil,
		),
		rtpPacketsDesc: prometheus.NewDesc(
			"ivrkit_rtp_packets_received_total",
			"Total RTP packets received",
			nil, nil,
		),
		rtpDroppedDesc: prometheus.NewDesc(
			"ivrkit_rtp_packets_dropped_total",
			"Total RTP packets dropped as malformed or unexpected",
			nil, nil,
		),
		rtpDigitsDesc: prometheus.NewDesc(
			"ivrkit_rtp_dtmf_digits_total",
			"Total RFC 2833 keypresses decoded",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"ivrkit_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.lineStatusDesc
	ch <- c.pendingCallsDesc
	ch <- c.registeredDesc
	ch <- c.callsTotalDesc
	ch <- c.rtpPacketsDesc
	ch <- c.rtpDroppedDesc
	ch <- c.rtpDigitsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.lines != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.lines.ActiveCalls()),
		)
		counts := c.lines.StatusCounts()
		for _, st := range lineStatuses {
			ch <- prometheus.MustNewConstMetric(
				c.lineStatusDesc, prometheus.GaugeValue,
				float64(counts[st]), st.String(),
			)
		}
	}

	if c.signaling != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pendingCallsDesc, prometheus.GaugeValue,
			float64(c.signaling.PendingCalls()),
		)

		reg := c.signaling.Registration()
		val := 0.0
		if reg.Status == sip.RegistrationRegistered {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.registeredDesc, prometheus.GaugeValue, val,
			string(reg.Status),
		)

		rtp := c.signaling.RTPStats()
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsDesc, prometheus.CounterValue,
			float64(rtp.Packets),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpDroppedDesc, prometheus.CounterValue,
			float64(rtp.Dropped),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpDigitsDesc, prometheus.CounterValue,
			float64(rtp.Digits),
		)
	}

	if c.outcomes != nil {
		counts, err := c.outcomes.CountByOutcome(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by outcome", "error", err)
		} else {
			for _, oc := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(oc.Count), oc.Outcome,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
