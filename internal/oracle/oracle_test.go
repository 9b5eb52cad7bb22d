package oracle

import (
	"errors"
	"testing"

	"github.com/mnemod/mnemod/internal/store"
)

func validExtraction() *Extraction {
	return &Extraction{
		Tasks: []Task{
			{
				Description: "migrate config loader",
				Outcome:     OutcomeSuccess,
				Evidence:    "tests passed after the change",
				Candidates: []CandidateMemory{
					{
						Type:       store.TypeRecipe,
						Content:    "run the generator before the loader tests",
						Importance: store.ImportanceMedium,
						Scope:      "global",
						Confidence: 0.85,
					},
				},
			},
		},
		Confidence: 0.9,
	}
}

func TestValidateExtractionAccepts(t *testing.T) {
	if err := ValidateExtraction(validExtraction()); err != nil {
		t.Fatal(err)
	}
	// Zero tasks is a valid answer for an uneventful episode.
	if err := ValidateExtraction(&Extraction{Confidence: 0.5}); err != nil {
		t.Fatal(err)
	}
}

func TestValidateExtractionRejects(t *testing.T) {
	cases := map[string]func(*Extraction){
		"unknown outcome":    func(ex *Extraction) { ex.Tasks[0].Outcome = "PARTIAL" },
		"empty description":  func(ex *Extraction) { ex.Tasks[0].Description = "  " },
		"unknown type":       func(ex *Extraction) { ex.Tasks[0].Candidates[0].Type = "insight" },
		"unknown importance": func(ex *Extraction) { ex.Tasks[0].Candidates[0].Importance = "vital" },
		"empty content":      func(ex *Extraction) { ex.Tasks[0].Candidates[0].Content = "" },
	}
	for name, mutate := range cases {
		ex := validExtraction()
		mutate(ex)
		err := ValidateExtraction(ex)
		if err == nil {
			t.Errorf("%s: expected rejection", name)
			continue
		}
		if !errors.Is(err, ErrInvalidResponse) {
			t.Errorf("%s: expected ErrInvalidResponse, got %v", name, err)
		}
	}

	if err := ValidateExtraction(nil); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("nil extraction: expected ErrInvalidResponse, got %v", err)
	}
}

func TestValidateMergeDecision(t *testing.T) {
	ok := &MergeDecision{Action: MergeActionMerge, Handle: 2, MergedContent: "combined fact"}
	if err := ValidateMergeDecision(ok); err != nil {
		t.Fatal(err)
	}
	if err := ValidateMergeDecision(&MergeDecision{Action: MergeActionSkip}); err != nil {
		t.Fatal(err)
	}

	bad := &MergeDecision{Action: "replace"}
	if err := ValidateMergeDecision(bad); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse for unknown action, got %v", err)
	}
	noContent := &MergeDecision{Action: MergeActionMerge, Handle: 1}
	if err := ValidateMergeDecision(noContent); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse for merge without content, got %v", err)
	}
}

func TestOutcomeValid(t *testing.T) {
	for _, o := range []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeUncertain} {
		if !o.Valid() {
			t.Errorf("%s should be valid", o)
		}
	}
	if Outcome("success").Valid() {
		t.Error("outcomes are case sensitive")
	}
}
