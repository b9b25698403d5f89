package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/jobsender/internal/assets/schemas"
)

// ErrValidationFailed is matched by every ValidationErrors value.
var ErrValidationFailed = errors.New("manifest validation failed")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is one problem found in a manifest. Path is a JSON
// pointer such as "/workenv/params/evtmax".
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors lists every problem found in one manifest.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ErrValidationFailed.Error()
	case 1:
		return e[0].Error()
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("%s with %d errors:", ErrValidationFailed, len(e)))
	for _, ve := range e {
		lines = append(lines, "  - "+ve.Error())
	}
	return strings.Join(lines, "\n")
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

// Validate checks a decoded manifest. Unknown fields are already gone at
// this point; LoadFromBytes validates the raw document instead.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return ValidateRaw(data)
}

// ValidateRaw checks a JSON document against the embedded manifest schema
// and then applies the per-kind parameter rules the schema leaves open.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		errs = checkParams(jsonData)
	}
	if len(errs) == 0 {
		return nil
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return errs
}

// checkParams validates workenv.params for the declared kind. Values are
// checked for shape only; files and the environment are checked when the
// work environment is built.
func checkParams(jsonData []byte) ValidationErrors {
	var doc struct {
		WorkEnv struct {
			Kind   string         `json:"kind"`
			Params map[string]any `json:"params"`
		} `json:"workenv"`
	}
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return ValidationErrors{{Message: err.Error()}}
	}

	var errs ValidationErrors
	p := doc.WorkEnv.Params
	at := func(key string) string { return "/workenv/params/" + key }

	positive := func(key string, required bool) {
		raw, ok := p[key]
		if !ok {
			if required {
				errs = append(errs, ValidationError{Path: at(key), Message: "is required"})
			}
			return
		}
		if n, ok := raw.(float64); !ok || n != float64(int(n)) || n <= 0 {
			errs = append(errs, ValidationError{Path: at(key), Message: "must be a positive integer"})
		}
	}
	nonEmpty := func(key string) {
		if s, ok := p[key].(string); !ok || strings.TrimSpace(s) == "" {
			errs = append(errs, ValidationError{Path: at(key), Message: "is required"})
		}
	}

	switch strings.ToLower(doc.WorkEnv.Kind) {
	case "athena":
		positive("evtmax", true)
		positive("njobs", false)
		if mode, _ := p["mode"].(string); mode != "transform" {
			nonEmpty("job_options")
		}
	case "blind":
		nonEmpty("script")
		positive("njobs", false)
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobManifestSchema) == 0 {
			validatorErr = errors.New("embedded job-manifest schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
