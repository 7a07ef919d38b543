package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nimbuslabs/pluvio/pkg/types"
)

// Validator checks submitted batches against the event schema and the
// privacy rules. It is pure: no I/O, no shared mutable state, safe for
// concurrent use.
type Validator struct {
	schema   *validator.Validate
	maxBatch int
}

// New builds a Validator capping batches at maxBatch events
func New(maxBatch int) *Validator {
	if maxBatch < 1 || maxBatch > types.MaxBatchEvents {
		maxBatch = types.MaxBatchEvents
	}

	v := validator.New(validator.WithRequiredStructEnabled())

	// error messages use the wire field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// the registered funcs cannot fail, errors are impossible here
	_ = v.RegisterValidation("tool", func(fl validator.FieldLevel) bool {
		return types.KnownTool(fl.Field().String())
	})
	_ = v.RegisterValidation("houraligned", func(fl validator.FieldLevel) bool {
		t, ok := fl.Field().Interface().(time.Time)
		if !ok {
			return false
		}
		u := t.UTC()
		return u.Truncate(time.Hour).Equal(u)
	})

	return &Validator{schema: v, maxBatch: maxBatch}
}

// envelope mirrors the request body with per-event raw JSON retained so
// the PII sweep sees every key, including ones the schema ignores.
type envelope struct {
	Events []json.RawMessage `json:"events"`
}

// Batch parses and validates a request body. On success it returns the
// normalized typed events and a nil error list. On failure the list
// cites each offending element index and the rule that failed; the
// returned events are nil.
func (v *Validator) Batch(body []byte) ([]types.Event, []string) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, []string{"request body is not a valid JSON batch"}
	}
	if len(env.Events) == 0 {
		return nil, []string{"events must be a non-empty array"}
	}
	if len(env.Events) > v.maxBatch {
		return nil, []string{fmt.Sprintf("events exceeds maximum batch size of %d", v.maxBatch)}
	}

	events := make([]types.Event, 0, len(env.Events))
	var errs []string
	for i, raw := range env.Events {
		ev, evErrs := v.event(raw)
		if len(evErrs) > 0 {
			for _, e := range evErrs {
				errs = append(errs, fmt.Sprintf("Event %d: %s", i, e))
			}
			continue
		}
		events = append(events, ev)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return events, nil
}

// event validates a single element: PII sweep first, then decode, then
// schema, then the level-conditional rules.
func (v *Validator) event(raw json.RawMessage) (types.Event, []string) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return types.Event{}, []string{"is not a valid JSON object"}
	}
	if _, ok := decoded.(map[string]any); !ok {
		return types.Event{}, []string{"is not a valid JSON object"}
	}
	if err := sweepPII(decoded, 1); err != nil {
		return types.Event{}, []string{err.Error()}
	}

	var ev types.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return types.Event{}, []string{fieldTypeError(err)}
	}

	var errs []string
	if err := v.schema.Struct(&ev); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return types.Event{}, []string{"is not a valid event"}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fieldMessage(fe))
		}
	}
	errs = append(errs, levelRules(&ev)...)
	if len(errs) > 0 {
		return types.Event{}, errs
	}

	// normalize: timestamps are stored in UTC
	ev.TimestampHour = ev.TimestampHour.UTC()
	return ev, nil
}

// levelRules enforces the analytics-level field boundaries: optional
// fields may only appear at the levels that declare them, and error
// events above minimal must name their error type.
func levelRules(ev *types.Event) []string {
	var errs []string
	forbidden := func(field string) {
		errs = append(errs, fmt.Sprintf("%s is not allowed at %s level", field, ev.AnalyticsLevel))
	}

	if ev.AnalyticsLevel == types.LevelMinimal {
		if ev.ResponseTimeMs != nil {
			forbidden("response_time_ms")
		}
		if ev.Service != nil {
			forbidden("service")
		}
		if ev.CacheHit != nil {
			forbidden("cache_hit")
		}
		if ev.RetryCount != nil {
			forbidden("retry_count")
		}
		if ev.Country != nil {
			forbidden("country")
		}
		if ev.ErrorType != nil {
			forbidden("error_type")
		}
	} else if ev.Status == types.StatusError && (ev.ErrorType == nil || *ev.ErrorType == "") {
		errs = append(errs, "error_type is required for error events")
	}

	if ev.AnalyticsLevel != types.LevelDetailed {
		if ev.Parameters != nil {
			forbidden("parameters")
		}
		if ev.SessionID != nil {
			forbidden("session_id")
		}
		if ev.SequenceNumber != nil {
			forbidden("sequence_number")
		}
	}
	return errs
}

// fieldMessage renders one schema violation naming the field
func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", fe.Field(), fe.Param())
	case "alpha", "uppercase":
		return fmt.Sprintf("%s must be 2 uppercase letters", fe.Field())
	case "tool":
		return fmt.Sprintf("%s is not a known tool", fe.Field())
	case "houraligned":
		return fmt.Sprintf("%s must be rounded to the hour", fe.Field())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}

// fieldTypeError turns a json decode error into a field-naming message
// without leaking the offending value.
func fieldTypeError(err error) string {
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) && ute.Field != "" {
		return fmt.Sprintf("%s has the wrong type", ute.Field)
	}
	var pe *time.ParseError
	if errors.As(err, &pe) {
		return "timestamp_hour is not a valid timestamp"
	}
	return "does not match the event schema"
}
