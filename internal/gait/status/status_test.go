package status

import (
	"strings"
	"testing"
)

func TestSubmitted(t *testing.T) {
	s := Submitted()
	if s.Code != CodeSubmitted {
		t.Fatalf("Code = %q", s.Code)
	}
	if s.IsProcessing() || s.IsComplete() || s.IsError() || s.IsTerminal() {
		t.Error("Submitted should satisfy no predicate")
	}
}

func TestProcessingValueNamesStage(t *testing.T) {
	s := Processing(4)
	if !s.IsProcessing() {
		t.Fatal("IsProcessing = false")
	}
	if s.Stage != 4 || s.NumStages != 7 {
		t.Errorf("Stage/NumStages = %d/%d", s.Stage, s.NumStages)
	}
	if !strings.Contains(s.Value, "Stage 4/7") || !strings.Contains(s.Value, "Pose Estimation") {
		t.Errorf("Value = %q", s.Value)
	}
}

func TestCompleteEmbedsConfidence(t *testing.T) {
	s := Complete(0.2, false)
	if !s.IsComplete() || !s.IsTerminal() {
		t.Fatal("predicates wrong for Complete")
	}
	if s.ASD {
		t.Error("ASD should be false")
	}
	if !strings.Contains(s.Value, "20.0%") {
		t.Errorf("Value = %q, want confidence percentage", s.Value)
	}
}

func TestErrorStatus(t *testing.T) {
	s := Error("stage 2 blew up")
	if !s.IsError() || !s.IsTerminal() {
		t.Fatal("predicates wrong for Error")
	}
	if s.Logs != "stage 2 blew up" {
		t.Errorf("Logs = %q", s.Logs)
	}
}

func TestStageNames(t *testing.T) {
	want := map[int]string{
		1: "Media Conversion",
		2: "Validity Check",
		3: "Reframing",
		4: "Pose Estimation",
		5: "Cycle Detection",
		6: "Prediction",
		7: "Finalize",
	}
	for stage, name := range want {
		if got := StageName(stage); got != name {
			t.Errorf("StageName(%d) = %q, want %q", stage, got, name)
		}
	}
	if StageName(0) != "" || StageName(8) != "" {
		t.Error("out-of-range stages should have empty names")
	}
}
