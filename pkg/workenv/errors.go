package workenv

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ConfigurationError reports a work environment that cannot be built.
//
// When the cause is the shell environment, Variable and SetupCommand name
// the unset variable and the command that sets it.
type ConfigurationError struct {
	Kind         Kind
	Variable     string
	SetupCommand string
	Reason       string
}

func (e *ConfigurationError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("the environment is not ready for a %s job: variable %q is not set; run %q to set it",
			e.Kind, e.Variable, e.SetupCommand)
	}
	return fmt.Sprintf("invalid %s job configuration: %s", e.Kind, e.Reason)
}

// lookupEnv treats empty variables as unset.
func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// MissingEnvironment returns the requirements whose variable is unset.
func MissingEnvironment(reqs []EnvRequirement, lookup func(string) (string, bool)) []EnvRequirement {
	if lookup == nil {
		lookup = lookupEnv
	}
	var missing []EnvRequirement
	for _, r := range reqs {
		if v, ok := lookup(r.Variable); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, r)
		}
	}
	return missing
}

// CheckEnvironment returns one ConfigurationError per unset variable,
// aggregated, or nil when the environment is ready.
func CheckEnvironment(kind Kind, reqs []EnvRequirement, lookup func(string) (string, bool)) error {
	var errs *multierror.Error
	for _, r := range MissingEnvironment(reqs, lookup) {
		errs = multierror.Append(errs, &ConfigurationError{
			Kind:         kind,
			Variable:     r.Variable,
			SetupCommand: r.SetupCommand,
		})
	}
	return errs.ErrorOrNil()
}

func configErr(kind Kind, format string, args ...any) error {
	return &ConfigurationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
