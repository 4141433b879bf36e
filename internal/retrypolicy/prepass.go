package retrypolicy

import (
	"strconv"

	"github.com/marcus-qen/devicelab/internal/labmodel"
)

// NewAttemptFunc constructs a fresh, empty-properties TestExecutionUnit for
// the given base test's repeat index; the caller (job manager) owns ID
// generation and registration.
type NewAttemptFunc func(base *labmodel.TestExecutionUnit, repeatIndex int) *labmodel.TestExecutionUnit

// PrePassRepeatRuns runs the §4.I pre-pass: if the effective repeat-run
// count N is greater than 1, every base test is tagged REPEAT_INDEX=1 and
// N-1 extra attempts are created via newAttempt, tagged REPEAT_INDEX 2..N.
// It returns every extra attempt created, in base-test then repeat-index
// order. A repeat count of 1 (the default) tags every base test
// REPEAT_INDEX=1 and creates nothing extra.
func (e *Engine) PrePassRepeatRuns(baseTests []*labmodel.TestExecutionUnit, newAttempt NewAttemptFunc) []*labmodel.TestExecutionUnit {
	n := e.cfg.effectiveRepeatRuns()

	var extras []*labmodel.TestExecutionUnit
	for _, base := range baseTests {
		base.Properties.Set(labmodel.PropRepeatIndex, "1")
		for i := 2; i <= n; i++ {
			attempt := newAttempt(base, i)
			attempt.Properties.Set(labmodel.PropRepeatIndex, strconv.Itoa(i))
			extras = append(extras, attempt)
		}
	}
	return extras
}
