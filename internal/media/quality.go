package media

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Quality is a coarse connection quality level
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// QualitySample is one reading of the transport
type QualitySample struct {
	Level     Quality
	RTT       time.Duration
	LossRatio float64
}

var qualityThresholds = []struct {
	level   Quality
	maxRTT  time.Duration
	maxLoss float64
}{
	{QualityExcellent, 150 * time.Millisecond, 0.01},
	{QualityGood, 300 * time.Millisecond, 0.03},
	{QualityFair, 500 * time.Millisecond, 0.08},
}

// ClassifyQuality maps round-trip time and packet loss ratio to a level.
// Both must be under a level's limits to reach it.
func ClassifyQuality(rtt time.Duration, lossRatio float64) Quality {
	for _, t := range qualityThresholds {
		if rtt < t.maxRTT && lossRatio < t.maxLoss {
			return t.level
		}
	}
	return QualityPoor
}

// SampleQuality reads RTT from the nominated candidate pair and loss from
// the inbound RTP streams of report.
func SampleQuality(report webrtc.StatsReport) QualitySample {
	var (
		rtt      time.Duration
		lost     int64
		received int64
	)
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				rtt = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.InboundRTPStreamStats:
			if st.PacketsLost > 0 {
				lost += int64(st.PacketsLost)
			}
			received += int64(st.PacketsReceived)
		}
	}

	var loss float64
	if total := lost + received; total > 0 {
		loss = float64(lost) / float64(total)
	}
	return QualitySample{
		Level:     ClassifyQuality(rtt, loss),
		RTT:       rtt,
		LossRatio: loss,
	}
}
