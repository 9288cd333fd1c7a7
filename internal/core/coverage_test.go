package core

import (
	"slices"
	"testing"
)

func TestCoverageStartsEmpty(t *testing.T) {
	c := NewCoverage(DefaultCategories())
	want := []string{
		"any past medical conditions or surgeries",
		"the medications you currently take",
		"any allergies you have",
	}
	if got := c.MissingCategories(); !slices.Equal(got, want) {
		t.Fatalf("missing=%q, want %q", got, want)
	}
	if c.Complete() {
		t.Fatalf("fresh coverage reported complete")
	}
}

func TestCoverageMergeAliasesAndBlanks(t *testing.T) {
	c := NewCoverage(DefaultCategories())

	newly := c.Merge(map[string]string{
		"Medications": "metformin",
		"allergies":   "   ",
		"pain_score":  "4",
	})
	if !slices.Equal(newly, []string{"current_medications"}) {
		t.Fatalf("newly=%v, want [current_medications]", newly)
	}
	if c.Covered("allergies") {
		t.Fatalf("blank value covered allergies")
	}

	newly = c.Merge(map[string]string{"allergies": "none", "past-medical-history": "none", "meds": "aspirin"})
	slices.Sort(newly)
	if !slices.Equal(newly, []string{"allergies", "past_medical_history"}) {
		t.Fatalf("newly=%v, want allergies and past_medical_history", newly)
	}
	if !c.Complete() {
		t.Fatalf("coverage incomplete: %v", c.MissingCategories())
	}
	if got := c.MissingCategories(); got != nil {
		t.Fatalf("missing=%v, want nil", got)
	}
}

func TestCoverageNeverRegresses(t *testing.T) {
	c := NewCoverage(DefaultCategories())
	c.Merge(map[string]string{"allergies": "peanuts"})
	c.Merge(map[string]string{"allergies": ""})
	if !c.Covered("allergies") {
		t.Fatalf("allergies flag went back to false")
	}
}
