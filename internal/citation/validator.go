package citation

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/logging"
)

// DefaultMaxRepairs bounds repair calls per answer.
const DefaultMaxRepairs = 1

var outcomesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sessionrag",
		Subsystem: "citation",
		Name:      "outcomes_total",
		Help:      "Validated answers by outcome (valid, repaired, stripped)",
	},
	[]string{"outcome"},
)

// GenerateFunc produces the first answer.
type GenerateFunc func(ctx context.Context) (string, error)

// RepairFunc asks for a corrected answer given the invalid citations found
// in answer.
type RepairFunc func(ctx context.Context, answer string, invalid []Citation) (string, error)

// Outcome is the final state of a validated answer.
type Outcome struct {
	Answer string
	// Valid is true only when the first answer cited nothing but allowed
	// evidence. Repaired and Stripped tell how an invalid answer was fixed.
	Valid bool
	// Repaired is true when a repair call produced the final answer.
	Repaired bool
	// Attempts counts model calls, the first generation included.
	Attempts int
	// Stripped lists the citations removed during finalization.
	Stripped []Citation
}

// Validator runs the generate, validate, repair and finalize cycle.
type Validator struct {
	maxRepairs int
	logger     *logging.Logger
}

// NewValidator creates a Validator. A negative maxRepairs means the default.
func NewValidator(maxRepairs int, logger *logging.Logger) *Validator {
	if maxRepairs < 0 {
		maxRepairs = DefaultMaxRepairs
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Validator{maxRepairs: maxRepairs, logger: logger}
}

type state int

const (
	stateGenerate state = iota
	stateValidate
	stateRepair
	stateFinalize
	stateDone
)

// Run drives the cycle. Only a failure of the first generation is returned
// as an error; a failed repair finalizes from the last answer.
func (v *Validator) Run(ctx context.Context, generate GenerateFunc, repair RepairFunc, allowed []Citation) (Outcome, error) {
	var (
		out     Outcome
		invalid []Citation
		repairs int
	)

	for st := stateGenerate; st != stateDone; {
		switch st {
		case stateGenerate:
			answer, err := generate(ctx)
			out.Attempts++
			if err != nil {
				return Outcome{Attempts: out.Attempts}, err
			}
			out.Answer = answer
			st = stateValidate

		case stateValidate:
			invalid = Invalid(Extract(out.Answer), allowed)
			switch {
			case len(invalid) == 0:
				// Any repaired answer stays flagged.
				out.Valid = !out.Repaired
				st = stateDone
			case repairs < v.maxRepairs && repair != nil:
				st = stateRepair
			default:
				st = stateFinalize
			}

		case stateRepair:
			repairs++
			out.Attempts++
			fixed, err := repair(ctx, out.Answer, invalid)
			if err != nil {
				v.logger.Warn(ctx, "citation repair failed, finalizing last answer",
					zap.Int("invalid", len(invalid)),
					zap.Error(err))
				st = stateFinalize
				continue
			}
			out.Answer = fixed
			out.Repaired = true
			st = stateValidate

		case stateFinalize:
			out.Answer = Strip(out.Answer, invalid)
			out.Stripped = invalid
			out.Valid = false
			st = stateDone
		}
	}

	switch {
	case len(out.Stripped) > 0:
		outcomesTotal.WithLabelValues("stripped").Inc()
		v.logger.Info(ctx, "stripped invalid citations",
			zap.Int("stripped", len(out.Stripped)),
			zap.Int("attempts", out.Attempts))
	case out.Repaired:
		outcomesTotal.WithLabelValues("repaired").Inc()
	default:
		outcomesTotal.WithLabelValues("valid").Inc()
	}
	return out, nil
}
