package gateway

import (
	"time"

	"livenessd/internal/deepfake"
	"livenessd/internal/rppg"
	"livenessd/internal/score"
)

// The payload mirrors the browser client's evaluation request, so field
// names are camelCase.

type DeviceSignals struct {
	HasVirtualCamera bool     `json:"hasVirtualCamera"`
	DeviceCount      int      `json:"deviceCount"`
	DeviceLabels     []string `json:"deviceLabels"`
}

type TimingSignals struct {
	AvgFPS          float64 `json:"avgFps"`
	Jitter          float64 `json:"jitter"`
	AnomalyDetected bool    `json:"anomalyDetected"`
}

type LandmarkSignals struct {
	FaceDetected    bool    `json:"faceDetected"`
	ConfidenceScore float64 `json:"confidenceScore"`
	MovementNatural bool    `json:"movementNatural"`
}

type EnvironmentSignals struct {
	IsHeadless         bool `json:"isHeadless"`
	HasAutomationTools bool `json:"hasAutomationTools"`
	SuspiciousViewport bool `json:"suspiciousViewport"`
	WebDriverDetected  bool `json:"webDriverDetected"`
}

type DeepfakeAnalysis struct {
	DeepfakeProbability  float64  `json:"deepfakeProbability"`
	BlinkRate            float64  `json:"blinkRate"`
	BlinkRateKnown       bool     `json:"blinkRateKnown"`
	FacialSymmetry       float64  `json:"facialSymmetry"`
	EdgeConsistency      float64  `json:"edgeConsistency"`
	ColorConsistency     float64  `json:"colorConsistency"`
	MicroExpressionScore float64  `json:"microExpressionScore"`
	IsLikelyDeepfake     bool     `json:"isLikelyDeepfake"`
	Warnings             []string `json:"warnings"`
}

type RppgAnalysis struct {
	HeartRate         float64 `json:"heartRate"`
	HRV               float64 `json:"hrv"`
	HeartbeatDetected bool    `json:"heartbeatDetected"`
	IsPhysiological   bool    `json:"isPhysiological"`
	SignalQuality     float64 `json:"signalQuality"`
	SignalStrength    float64 `json:"signalStrength"`
	Confidence        float64 `json:"confidence"`
	NoHeartbeat       bool    `json:"noHeartbeat"`
	SampleCount       int     `json:"sampleCount"`
	Status            string  `json:"status"`
}

type NeuralSignals struct {
	ModelReady    bool     `json:"modelReady"`
	FaceDetected  bool     `json:"faceDetected"`
	PFakeSmoothed float64  `json:"pFakeSmoothed"`
	Flags         []string `json:"flags"`
}

type Signals struct {
	Device      DeviceSignals      `json:"device"`
	Timing      TimingSignals      `json:"timing"`
	Landmark    LandmarkSignals    `json:"landmark"`
	Environment EnvironmentSignals `json:"environment"`
	Deepfake    DeepfakeAnalysis   `json:"deepfake"`
	Rppg        RppgAnalysis       `json:"rppg"`
	Neural      *NeuralSignals     `json:"neural,omitempty"`
}

// Penalty is one breakdown entry as sent to the gateway.
type Penalty struct {
	Category    string `json:"category"`
	Reason      string `json:"reason"`
	Points      int    `json:"points"`
	Description string `json:"description"`
}

// Payload is the evaluation request body.
type Payload struct {
	TrustScore       int              `json:"trustScore"`
	TrustLevel       string           `json:"trustLevel"`
	Breakdown        []Penalty        `json:"breakdown"`
	Signals          Signals          `json:"signals"`
	DeepfakeAnalysis DeepfakeAnalysis `json:"deepfakeAnalysis"`
	RppgAnalysis     RppgAnalysis     `json:"rppgAnalysis"`
	WeightsVersion   string           `json:"weightsVersion"`
	SessionID        string           `json:"sessionId,omitempty"`
	Timestamp        string           `json:"timestamp"`
}

// NewPayload builds the request body for a computed score. Signals that
// have not reported are sent with their neutral defaults.
func NewPayload(sessionID string, r score.Result, at time.Time) Payload {
	in := r.Signals
	p := Payload{
		TrustScore:     r.Score,
		TrustLevel:     string(r.Level),
		Breakdown:      make([]Penalty, 0, len(r.Breakdown)),
		WeightsVersion: r.WeightsVersion,
		SessionID:      sessionID,
		Timestamp:      at.UTC().Format(time.RFC3339Nano),
	}
	for _, b := range r.Breakdown {
		p.Breakdown = append(p.Breakdown, Penalty{
			Category:    string(b.Category),
			Reason:      string(b.Reason),
			Points:      b.Points,
			Description: b.Description,
		})
	}

	if d := in.Device; d != nil {
		p.Signals.Device = DeviceSignals{
			HasVirtualCamera: d.HasVirtualCamera || d.ActiveDeviceIsVirtual,
			DeviceCount:      d.DeviceCount,
			DeviceLabels:     append([]string{}, d.DeviceLabels...),
		}
	} else {
		p.Signals.Device.DeviceLabels = []string{}
	}
	if t := in.Timing; t != nil {
		p.Signals.Timing = TimingSignals{AvgFPS: t.AvgFPS, Jitter: t.JitterMs, AnomalyDetected: t.AnomalyDetected}
	}
	if m := in.Motion; m != nil {
		p.Signals.Landmark = LandmarkSignals{
			FaceDetected:    m.FaceDetected,
			ConfidenceScore: m.MotionScore,
			MovementNatural: m.MovementNatural,
		}
	}
	if e := in.Environment; e != nil {
		p.Signals.Environment = EnvironmentSignals{
			IsHeadless:         e.IsHeadless,
			HasAutomationTools: e.HasAutomationTools,
			SuspiciousViewport: e.SuspiciousViewport,
			WebDriverDetected:  e.WebDriverDetected,
		}
	}
	if n := in.Neural; n != nil {
		p.Signals.Neural = &NeuralSignals{
			ModelReady:    n.ModelReady,
			FaceDetected:  n.FaceDetected,
			PFakeSmoothed: n.PFakeSmoothed,
			Flags:         append([]string{}, n.Flags...),
		}
	}

	p.DeepfakeAnalysis = deepfakeAnalysis(in.Deepfake)
	p.RppgAnalysis = rppgAnalysis(in.Rppg)
	p.Signals.Deepfake = p.DeepfakeAnalysis
	p.Signals.Rppg = p.RppgAnalysis
	return p
}

func deepfakeAnalysis(d *deepfake.Snapshot) DeepfakeAnalysis {
	if d == nil {
		return DeepfakeAnalysis{Warnings: []string{}}
	}
	out := DeepfakeAnalysis{
		DeepfakeProbability:  d.DeepfakeProbability,
		BlinkRate:            d.BlinkRatePerMinute,
		BlinkRateKnown:       d.BlinkRateKnown,
		FacialSymmetry:       d.FacialSymmetry,
		EdgeConsistency:      d.EdgeConsistency,
		ColorConsistency:     d.ColorConsistency,
		MicroExpressionScore: d.MicroExpressionScore,
		IsLikelyDeepfake:     d.IsLikelyDeepfake,
		Warnings:             make([]string, 0, len(d.Warnings)),
	}
	for _, w := range d.Warnings {
		out.Warnings = append(out.Warnings, string(w))
	}
	return out
}

func rppgAnalysis(r *rppg.Snapshot) RppgAnalysis {
	if r == nil {
		return RppgAnalysis{IsPhysiological: true, Status: string(rppg.StatusIdle)}
	}
	return RppgAnalysis{
		HeartRate:         r.HeartRateBPM,
		HRV:               r.HRVMs,
		HeartbeatDetected: r.HeartbeatDetected,
		// Only a completed measurement can be judged non-physiological.
		IsPhysiological: r.IsPhysiological || r.Status != rppg.StatusMeasured,
		SignalQuality:   r.SignalQuality,
		SignalStrength:  r.SignalStrength,
		Confidence:      r.Confidence,
		NoHeartbeat:     r.NoHeartbeat(),
		SampleCount:     r.SampleCount,
		Status:          string(r.Status),
	}
}
