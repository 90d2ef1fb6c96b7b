// Package status models the job lifecycle persisted on every job
// record. A status is a tagged variant: the Code discriminates, Value
// carries the human-readable form shown to the user.
package status

import "fmt"

type Code string

const (
	CodeSubmitted  Code = "Submitted"
	CodeProcessing Code = "Processing"
	CodeComplete   Code = "Complete"
	CodeError      Code = "Error"
)

const NumStages = 7

var stageNames = [NumStages + 1]string{
	"",
	"Media Conversion",
	"Validity Check",
	"Reframing",
	"Pose Estimation",
	"Cycle Detection",
	"Prediction",
	"Finalize",
}

// StageName reports the fixed display name of a stage, or "" for an
// out-of-range stage number.
func StageName(stage int) string {
	if stage < 1 || stage > NumStages {
		return ""
	}
	return stageNames[stage]
}

type Status struct {
	Code       Code    `json:"code"`
	Stage      int     `json:"stage,omitempty"`
	NumStages  int     `json:"num_stages,omitempty"`
	Prediction float64 `json:"prediction,omitempty"`
	ASD        bool    `json:"asd,omitempty"`
	Logs       string  `json:"logs,omitempty"`
	Value      string  `json:"value"`
}

func Submitted() Status {
	return Status{
		Code:  CodeSubmitted,
		Value: "Submitted",
	}
}

func Processing(stage int) Status {
	return Status{
		Code:      CodeProcessing,
		Stage:     stage,
		NumStages: NumStages,
		Value:     fmt.Sprintf("Stage %d/%d: %s…", stage, NumStages, StageName(stage)),
	}
}

// Complete records the terminal success outcome. The ASD flag is the
// caller's thresholding of the prediction (score >= 0.5).
func Complete(prediction float64, asd bool) Status {
	return Status{
		Code:       CodeComplete,
		Prediction: prediction,
		ASD:        asd,
		Value:      fmt.Sprintf("Analysis complete — %.1f%% confidence", prediction*100),
	}
}

func Error(logs string) Status {
	return Status{
		Code:  CodeError,
		Logs:  logs,
		Value: "Analysis failed — see logs for details",
	}
}

func (s Status) IsProcessing() bool { return s.Code == CodeProcessing }
func (s Status) IsComplete() bool   { return s.Code == CodeComplete }
func (s Status) IsError() bool      { return s.Code == CodeError }

// IsTerminal reports whether only an explicit rerun may change the
// status again.
func (s Status) IsTerminal() bool { return s.IsComplete() || s.IsError() }
