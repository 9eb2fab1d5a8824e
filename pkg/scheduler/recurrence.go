package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
)

// legacyInterval reconhece a gramática antiga "30m" / "45s" do campo
// schedule, mantida por catálogos gravados por versões anteriores.
var legacyInterval = regexp.MustCompile(`^(\d+)([ms])$`)

// Rule é a recorrência de um job resolvida para uma expressão cron de cinco
// campos. OnDemand marca jobs que só rodam por pedido explícito; Warning
// carrega o aviso de migração quando a forma legada precisou de coerção.
type Rule struct {
	Spec     string
	OnDemand bool
	Warning  string
}

// ParseRecurrence traduz a recorrência do job para uma Rule. Formas novas
// (recurrenceType) e legadas (schedule/timeOfDay) são aceitas; regras que não
// rendem uma expressão cron válida retornam ErrConfigInvalid.
func ParseRecurrence(job catalog.Job) (Rule, error) {
	if job.RecurrenceType != "" {
		return parseTyped(job)
	}
	return parseLegacy(job)
}

func parseTyped(job catalog.Job) (Rule, error) {
	switch job.RecurrenceType {
	case catalog.RecurrenceOnce:
		return Rule{OnDemand: true}, nil

	case catalog.RecurrenceDaily:
		hour, minute, err := parseTimeOfDay(job.TimeOfDay)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: job %q: %v", catalog.ErrConfigInvalid, job.Name, err)
		}
		return validated(job, fmt.Sprintf("%d %d * * *", minute, hour), "")

	case catalog.RecurrenceEveryNDays:
		if job.EveryNDays < 1 {
			return Rule{}, fmt.Errorf("%w: job %q: everyNDays must be >= 1, got %d",
				catalog.ErrConfigInvalid, job.Name, job.EveryNDays)
		}
		hour, minute, err := parseTimeOfDay(job.TimeOfDay)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: job %q: %v", catalog.ErrConfigInvalid, job.Name, err)
		}
		return validated(job, fmt.Sprintf("%d %d */%d * *", minute, hour, job.EveryNDays), "")

	case catalog.RecurrenceCustom:
		spec := strings.TrimSpace(job.CronExpression)
		if spec == "" {
			return Rule{}, fmt.Errorf("%w: job %q: custom recurrence requires a cron expression",
				catalog.ErrConfigInvalid, job.Name)
		}
		return validated(job, spec, "")

	default:
		return Rule{}, fmt.Errorf("%w: job %q: unknown recurrence type %q",
			catalog.ErrConfigInvalid, job.Name, job.RecurrenceType)
	}
}

// parseLegacy cobre catálogos antigos: "manual" não agenda, timeOfDay vira
// diário, "Nm" vira a cada N minutos, "Ns" é coagido para um minuto (a
// resolução mínima do cron) e qualquer outro valor é tratado como expressão
// cron completa.
func parseLegacy(job catalog.Job) (Rule, error) {
	schedule := strings.TrimSpace(job.Schedule)

	if strings.EqualFold(schedule, "manual") {
		return Rule{OnDemand: true}, nil
	}

	if tod := strings.TrimSpace(job.TimeOfDay); tod != "" {
		hour, minute, err := parseTimeOfDay(tod)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: job %q: %v", catalog.ErrConfigInvalid, job.Name, err)
		}
		return validated(job, fmt.Sprintf("%d %d * * *", minute, hour), "")
	}

	if schedule == "" {
		return Rule{OnDemand: true}, nil
	}

	if m := legacyInterval.FindStringSubmatch(schedule); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return Rule{}, fmt.Errorf("%w: job %q: invalid interval %q",
				catalog.ErrConfigInvalid, job.Name, schedule)
		}
		warning := ""
		if m[2] == "s" {
			n = 1
			warning = fmt.Sprintf("sub-minute schedule %q coerced to every 1 minute", schedule)
		}
		return validated(job, fmt.Sprintf("*/%d * * * *", n), warning)
	}

	return validated(job, schedule, "")
}

func validated(job catalog.Job, spec, warning string) (Rule, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return Rule{}, fmt.Errorf("%w: job %q: cron expression %q: %v",
			catalog.ErrConfigInvalid, job.Name, spec, err)
	}
	return Rule{Spec: spec, Warning: warning}, nil
}

// parseTimeOfDay aceita "HH:MM" em relógio de 24 horas.
func parseTimeOfDay(value string) (hour, minute int, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, 0, fmt.Errorf("timeOfDay is required")
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("timeOfDay %q is not HH:MM", value)
	}
	return t.Hour(), t.Minute(), nil
}
