package score

import (
	"sync"
	"time"
)

// DefaultNeuralAlpha is the EWMA weight given to a new observation.
const DefaultNeuralAlpha = 0.25

// FlagScreenCapture marks a frame the model believes was re-captured from
// a display.
const FlagScreenCapture = "possible_screen_capture"

// NeuralObservation is one raw result from an external face classifier.
type NeuralObservation struct {
	ModelReady   bool     `json:"model_ready"`
	FaceDetected bool     `json:"face_detected"`
	PFake        float64  `json:"p_fake" validate:"gte=0,lte=1"`
	Flags        []string `json:"flags" validate:"max=16,dive,max=64"`
}

// NeuralSignal is the smoothed classifier state.
type NeuralSignal struct {
	ModelReady    bool      `json:"model_ready"`
	FaceDetected  bool      `json:"face_detected"`
	PFake         float64   `json:"p_fake"`
	PFakeSmoothed float64   `json:"p_fake_smoothed"`
	Flags         []string  `json:"flags,omitempty"`
	Observations  int       `json:"observations"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasFlag reports whether flag was set on the latest observation.
func (s NeuralSignal) HasFlag(flag string) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// NeuralSmoother keeps an exponentially weighted p_fake per session.
type NeuralSmoother struct {
	mu     sync.Mutex
	alpha  float64
	signal NeuralSignal
}

// NewNeuralSmoother creates a smoother. alpha outside (0,1] falls back to
// DefaultNeuralAlpha.
func NewNeuralSmoother(alpha float64) *NeuralSmoother {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultNeuralAlpha
	}
	return &NeuralSmoother{alpha: alpha}
}

// Observe folds one observation in and returns the new signal. Observations
// made before the model is ready or without a face do not move the average.
func (n *NeuralSmoother) Observe(obs NeuralObservation, at time.Time) NeuralSignal {
	n.mu.Lock()
	defer n.mu.Unlock()

	p := clamp01(obs.PFake)
	s := n.signal
	s.ModelReady = obs.ModelReady
	s.FaceDetected = obs.FaceDetected
	s.Flags = append([]string(nil), obs.Flags...)
	s.UpdatedAt = at

	if obs.ModelReady && obs.FaceDetected {
		s.PFake = p
		if s.Observations == 0 {
			s.PFakeSmoothed = p
		} else {
			s.PFakeSmoothed = n.alpha*p + (1-n.alpha)*s.PFakeSmoothed
		}
		s.Observations++
	}

	n.signal = s
	return s
}

// Signal returns the current smoothed state.
func (n *NeuralSmoother) Signal() NeuralSignal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.signal
}

// Reset forgets all observations.
func (n *NeuralSmoother) Reset() {
	n.mu.Lock()
	n.signal = NeuralSignal{}
	n.mu.Unlock()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
