package result

import (
	"strings"
	"testing"
	"time"
)

func TestValidateNoResult(t *testing.T) {
	s := setupStore(t)
	ok, msg, err := s.Validate("1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("validation should fail with no result")
	}
	if !strings.Contains(msg, "no result") {
		t.Errorf("msg = %q", msg)
	}
}

func TestValidateFailedStatus(t *testing.T) {
	r := sampleResult("1", "a", StatusFailed)
	ok, msg := ValidateResult(r)
	if ok {
		t.Error("failed result must not validate")
	}
	if !strings.Contains(msg, "failed") {
		t.Errorf("msg = %q", msg)
	}
}

func TestValidateGenericShortOutput(t *testing.T) {
	r := sampleResult("1", "a", StatusSuccess)
	r.Output = "Task completed successfully."
	r.CreatedFiles = nil
	r.ModifiedFiles = nil

	ok, msg := ValidateResult(r)
	if ok {
		t.Errorf("generic short output must fail validation: %s", msg)
	}
}

func TestValidateLongOutputWithGenericPhraseOK(t *testing.T) {
	r := sampleResult("1", "a", StatusSuccess)
	r.Output = "Task completed successfully. " + strings.Repeat("Here is what was done in depth. ", 20)

	ok, msg := ValidateResult(r)
	if !ok {
		t.Errorf("long substantive output should pass: %s", msg)
	}
}

func TestValidateFileClaimWithoutFiles(t *testing.T) {
	r := sampleResult("1", "a", StatusSuccess)
	r.Output = "I created file src/app.py with the new handler. " + strings.Repeat("More detail here. ", 20)
	r.CreatedFiles = nil
	r.ModifiedFiles = nil

	ok, _ := ValidateResult(r)
	if ok {
		t.Error("claiming file work without file lists must fail")
	}
}

func TestValidatePersistsFlag(t *testing.T) {
	s := setupStore(t)
	r := sampleResult("1", "a", StatusSuccess)
	r.Timestamp = time.Now().UTC()
	if _, err := s.Store(r); err != nil {
		t.Fatal(err)
	}

	ok, _, err := s.Validate("1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected validation pass")
	}

	latest, _ := s.Latest("1")
	if latest.ValidationPassed == nil || !*latest.ValidationPassed {
		t.Error("Validate should persist the flag")
	}
}
