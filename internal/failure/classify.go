package failure

import "fmt"

// Classifier is the exit-code table owned by operators. The Worker's own code
// taxonomy is opaque; only membership in these sets matters.
type Classifier struct {
	Transient []int
	Fatal     []int
	Resource  []int
	Default   Kind
}

func (c Classifier) Validate() error {
	seen := map[int]string{}
	check := func(set string, codes []int) error {
		for _, code := range codes {
			if code == 0 {
				return fmt.Errorf("exit code 0 cannot be classified as a failure (%s)", set)
			}
			if prev, ok := seen[code]; ok && prev != set {
				return fmt.Errorf("exit code %d is listed as both %s and %s", code, prev, set)
			}
			seen[code] = set
		}
		return nil
	}
	if err := check("transient", c.Transient); err != nil {
		return err
	}
	if err := check("fatal", c.Fatal); err != nil {
		return err
	}
	if err := check("resource", c.Resource); err != nil {
		return err
	}
	switch c.Default {
	case KindTransientExecution, KindFatalRender, KindNone:
		return nil
	default:
		return fmt.Errorf("default exit classification must be %s or %s, got %q", KindTransientExecution, KindFatalRender, c.Default)
	}
}

// ClassifyExit maps a nonzero exit code to a failure kind. Zero maps to KindNone.
func (c Classifier) ClassifyExit(code int) Kind {
	if code == 0 {
		return KindNone
	}
	if contains(c.Fatal, code) {
		return KindFatalRender
	}
	if contains(c.Resource, code) {
		return KindResourceExhaustion
	}
	if contains(c.Transient, code) {
		return KindTransientExecution
	}
	if c.Default == KindNone {
		return KindTransientExecution
	}
	return c.Default
}

func contains(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
