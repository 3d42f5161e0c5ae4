// Package script loads and runs scenario files: YAML scripts that drive
// the simulator through a sequence of memory operations. Scenarios are
// how the claims the simulator exists to test (fragmentation, leaks,
// cycle reclamation) are demonstrated without writing Go.
package script

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/memsim-project/memsim/internal/memerr"
)

// FormatConstraint accepts every 1.x scenario format. A future major
// version is rejected at load time instead of failing mid-run.
const FormatConstraint = "^1"

// Scenario is a parsed scenario file.
type Scenario struct {
	Version  string `yaml:"version"`
	Name     string `yaml:"name,omitempty"`
	Strategy string `yaml:"strategy,omitempty"`
	Region   uint64 `yaml:"region"`
	Stack    uint64 `yaml:"stack,omitempty"`
	Ops      []Op   `yaml:"ops"`
}

// Op is one scripted operation. Which fields apply depends on Op; Expect
// names an error code the operation must fail with, turning the step into
// an assertion.
type Op struct {
	Op     string `yaml:"op"`
	Size   uint64 `yaml:"size,omitempty"`
	Ref    string `yaml:"ref,omitempty"`
	To     string `yaml:"to,omitempty"`
	Owner  string `yaml:"owner,omitempty"`
	As     string `yaml:"as,omitempty"`
	Expect string `yaml:"expect,omitempty"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	return Parse(data)
}

// Parse decodes scenario bytes and checks the format version.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}

	if sc.Version == "" {
		sc.Version = "1.0.0"
	}

	version, err := semver.NewVersion(sc.Version)
	if err != nil {
		return nil, fmt.Errorf("scenario version %q: %w", sc.Version, err)
	}

	constraint, err := semver.NewConstraint(FormatConstraint)
	if err != nil {
		return nil, fmt.Errorf("format constraint: %w", err)
	}

	if !constraint.Check(version) {
		return nil, fmt.Errorf("scenario format %s is not supported (want %s)", version, FormatConstraint)
	}

	if sc.Region == 0 {
		return nil, fmt.Errorf("scenario must declare a region capacity")
	}

	if len(sc.Ops) == 0 {
		return nil, fmt.Errorf("scenario has no operations")
	}

	for i := range sc.Ops {
		if sc.Ops[i].Op == "" {
			return nil, fmt.Errorf("op %d: missing op name", i)
		}

		if sc.Ops[i].Expect != "" {
			if _, err := parseCode(sc.Ops[i].Expect); err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
		}
	}

	return &sc, nil
}

// parseCode maps an expect string to an error code.
func parseCode(name string) (memerr.Code, error) {
	codes := []memerr.Code{
		memerr.CodeOutOfBounds,
		memerr.CodeStackOverflow,
		memerr.CodeInvalidPop,
		memerr.CodeOutOfMemory,
		memerr.CodeDoubleFree,
		memerr.CodeUseAfterMove,
		memerr.CodeUseAfterFree,
		memerr.CodeInvalidSize,
	}

	for _, code := range codes {
		if code.String() == name {
			return code, nil
		}
	}

	return 0, fmt.Errorf("unknown error code %q", name)
}
