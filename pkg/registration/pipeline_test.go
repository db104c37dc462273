package registration

import (
	"errors"
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"
)

func TestValidatePipelineCombinations(t *testing.T) {
	// every non-empty ordered subset of the steps is accepted
	for mask := 1; mask < 1<<len(OrderedSteps); mask++ {
		var steps []Step
		for i, s := range OrderedSteps {
			if mask&(1<<i) != 0 {
				steps = append(steps, s)
			}
		}
		got, err := ValidatePipeline(steps)
		if err != nil {
			t.Errorf("ValidatePipeline(%v) returned error: %v", steps, err)
			continue
		}
		if len(got) != len(steps) {
			t.Errorf("ValidatePipeline(%v) = %v", steps, got)
		}
	}
}

func TestValidatePipelineFailures(t *testing.T) {
	tests := []struct {
		name    string
		steps   []Step
		wantErr error
		msg     string
	}{
		{
			name:    "reversed",
			steps:   []Step{StepRigid, StepTranslation},
			wantErr: ErrPipelineOrder,
			msg:     "expected ('translation', 'rigid') but got ('rigid', 'translation') instead",
		},
		{
			name:    "sdr first",
			steps:   []Step{StepSDR, StepAffine},
			wantErr: ErrPipelineOrder,
		},
		{
			name:    "repeat",
			steps:   []Step{StepRigid, StepRigid},
			wantErr: ErrPipelineRepeat,
		},
		{
			name:    "repeat out of order",
			steps:   []Step{StepRigid, StepTranslation, StepRigid},
			wantErr: ErrPipelineOrder,
		},
		{
			name:    "unknown",
			steps:   []Step{StepTranslation, "warp"},
			wantErr: ErrUnknownStep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidatePipeline(tt.steps)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidatePipeline(%v) error = %v, want %v", tt.steps, err, tt.wantErr)
			}
			if tt.msg != "" && !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("error %q does not contain %q", err, tt.msg)
			}
		})
	}
}

func TestParsePipeline(t *testing.T) {
	tests := []struct {
		in   string
		want []Step
		ok   bool
	}{
		{"all", OrderedSteps, true},
		{"rigids", []Step{StepTranslation, StepRigid}, true},
		{"affines", []Step{StepTranslation, StepRigid, StepAffine}, true},
		{"rigid", []Step{StepRigid}, true},
		{"translation, affine", []Step{StepTranslation, StepAffine}, true},
		{"affine,rigid", nil, false},
		{"everything", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePipeline(tt.in)
			if (err == nil) != tt.ok {
				t.Fatalf("ParsePipeline(%q) error = %v, want ok=%v", tt.in, err, tt.ok)
			}
			if !tt.ok {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParsePipeline(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParsePipeline(%q)[%d] = %s, want %s", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidateZooms(t *testing.T) {
	z, err := ValidateZooms(map[Step][]float64{StepTranslation: {5}, StepAffine: {2, 3, 4}})
	if err != nil {
		t.Fatalf("ValidateZooms returned error: %v", err)
	}
	if got := z[StepTranslation]; got == nil || *got != [3]float64{5, 5, 5} {
		t.Errorf("translation zooms = %v, want [5 5 5]", got)
	}
	if got := z[StepAffine]; got == nil || *got != [3]float64{2, 3, 4} {
		t.Errorf("affine zooms = %v, want [2 3 4]", got)
	}
	if z[StepRigid] != nil || z[StepSDR] != nil {
		t.Errorf("unset steps should keep native zooms, got %v", z)
	}

	bad := []map[Step][]float64{
		{StepRigid: {1}},
		{StepRigid: {2, 2}},
		{StepRigid: {2, 0.5, 2}},
		{"warp": {2}},
	}
	for _, b := range bad {
		if _, err := ValidateZooms(b); err == nil {
			t.Errorf("ValidateZooms(%v) should fail", b)
		}
	}
}

func TestPipelineErrorsLowercase(t *testing.T) {
	_, zoomErr := ValidateZooms(map[Step][]float64{StepRigid: {1}})
	_, orderErr := ValidatePipeline([]Step{StepRigid, StepTranslation})
	_, repeatErr := ValidatePipeline([]Step{StepRigid, StepRigid})
	for _, err := range []error{ErrPipelineOrder, ErrPipelineRepeat, ErrUnknownStep, zoomErr, orderErr, repeatErr} {
		if err == nil {
			t.Fatal("expected an error")
		}
		r, _ := utf8.DecodeRuneInString(err.Error())
		if unicode.IsUpper(r) {
			t.Errorf("error %q should start lowercase", err)
		}
	}
}

func TestValidateNiter(t *testing.T) {
	n, err := ValidateNiter(map[Step][]int{StepSDR: {3}})
	if err != nil {
		t.Fatalf("ValidateNiter returned error: %v", err)
	}
	if len(n[StepSDR]) != 1 || n[StepSDR][0] != 3 {
		t.Errorf("sdr niter = %v, want [3]", n[StepSDR])
	}
	if len(n[StepRigid]) != 3 {
		t.Errorf("rigid niter should keep the default, got %v", n[StepRigid])
	}

	bad := []map[Step][]int{
		{StepRigid: {}},
		{StepRigid: {1, 2, 3, 4}},
		{StepRigid: {0}},
		{"warp": {1}},
	}
	for _, b := range bad {
		if _, err := ValidateNiter(b); err == nil {
			t.Errorf("ValidateNiter(%v) should fail", b)
		}
	}
}
