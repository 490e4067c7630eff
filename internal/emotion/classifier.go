// Package emotion implements blendshape-based emotion classification with
// temporal smoothing for the MindMate mirror.
package emotion

// Label is one of the fixed set of emotions the mirror can display.
type Label string

const (
	Joy     Label = "Joy"
	Sadness Label = "Sadness"
	Anger   Label = "Anger"
	Fear    Label = "Fear"
	Calm    Label = "Calm"
	Neutral Label = "Neutral"
)

// Labels lists every label in its canonical order. The order doubles as
// the tie-break rule wherever two labels score equally.
var Labels = []Label{Joy, Sadness, Anger, Fear, Calm, Neutral}

// Valid reports whether l is a member of the fixed label set.
func Valid(l Label) bool {
	for _, known := range Labels {
		if l == known {
			return true
		}
	}
	return false
}

// Scores maps facial action unit names to confidence values in [0,1] for
// a single detected face. Action units absent from the map contribute
// zero to every candidate.
type Scores map[string]float64

// Score pairs a label with its raw classifier score. The value is only
// meaningful for relative comparison and may be negative.
type Score struct {
	Label Label
	Value float64
}

const (
	// confidenceThreshold is the minimum dominant score required to emit
	// one of the four scored emotions.
	confidenceThreshold = 0.3
	// calmActivationMax is the total activation below which a weak frame
	// reads as Calm rather than Neutral.
	calmActivationMax = 0.5
)

// activationUnits are the action units summed for the calm check.
var activationUnits = []string{
	"mouthSmileLeft", "mouthSmileRight",
	"mouthFrownLeft", "mouthFrownRight",
	"browDownLeft", "browDownRight",
	"browInnerUp",
	"eyeWideLeft", "eyeWideRight",
	"jawOpen",
}

// Classify maps one frame's blendshape scores to the most plausible
// instantaneous emotion. A nil or empty input means no face was detected
// and always yields (Neutral, 1.0).
//
// Joy, Sadness, Anger, and Fear are scored as weighted combinations of
// action units, with competing units penalized. Calm and Neutral are
// never scored directly: Calm is emitted when no candidate clears the
// confidence threshold and overall facial activation is low, Neutral
// when activation is present but ambiguous.
func Classify(s Scores) Score {
	if len(s) == 0 {
		return Score{Label: Neutral, Value: 1.0}
	}

	smile := s["mouthSmileLeft"] + s["mouthSmileRight"]
	frown := s["mouthFrownLeft"] + s["mouthFrownRight"]
	cheekSquint := s["cheekSquintLeft"] + s["cheekSquintRight"]
	browDown := s["browDownLeft"] + s["browDownRight"]
	mouthPress := s["mouthPressLeft"] + s["mouthPressRight"]
	eyeWide := s["eyeWideLeft"] + s["eyeWideRight"]

	candidates := []Score{
		{Joy, smile*0.5 + cheekSquint*0.3 - frown*0.4},
		{Sadness, frown*0.4 + s["browInnerUp"]*0.3 + s["mouthShrugUpper"]*0.2 - smile*0.4},
		{Anger, browDown*0.6 + mouthPress*0.2 + s["lipFunnelUpper"]*0.2 - s["browInnerUp"]*0.3},
		{Fear, eyeWide*0.4 + s["jawOpen"]*0.3 + s["mouthFunnel"]*0.2 + s["browInnerUp"]*0.1},
	}

	// Strictly-greater comparison: on a tie the earlier candidate wins.
	dominant := candidates[0]
	for _, c := range candidates[1:] {
		if c.Value > dominant.Value {
			dominant = c
		}
	}

	if dominant.Value > confidenceThreshold {
		return dominant
	}

	var activation float64
	for _, unit := range activationUnits {
		activation += s[unit]
	}
	if activation < calmActivationMax {
		return Score{Label: Calm, Value: 1 - activation}
	}

	return Score{Label: Neutral, Value: 1.0}
}
