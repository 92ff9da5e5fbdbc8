package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/models"
)

const (
	DefaultSubmitSelector = "input[type='submit']"

	FieldTypeText     = "text"
	FieldTypeSelect   = "select"
	FieldTypeCheckbox = "checkbox"
)

// FieldSpec locates the input for one payload key. Selector may contain {i}
// (item offset within the chunk) and {n} (absolute item index).
type FieldSpec struct {
	Selector string `json:"selector" validate:"required"`
	Type     string `json:"type,omitempty" validate:"omitempty,oneof=text select checkbox"`
}

// FormSpec describes the form a chunk is injected into.
type FormSpec struct {
	Fields          map[string]FieldSpec `json:"fields" validate:"required,min=1,dive"`
	SubmitSelector  string               `json:"submit_selector,omitempty"`
	SubmitTimeout   string               `json:"submit_timeout,omitempty"`    // Wait for the submit control, default 10s
	PreSubmitDelay  string               `json:"pre_submit_delay,omitempty"`  // Default 500ms
	PostSubmitDelay string               `json:"post_submit_delay,omitempty"` // Default 2s
}

// FormSubmitter fills every item of a chunk into the page and clicks submit.
type FormSubmitter struct {
	spec            FormSpec
	submitTimeout   time.Duration
	preSubmitDelay  time.Duration
	postSubmitDelay time.Duration
	pollInterval    time.Duration
	logger          arbor.ILogger
}

// NewFormSubmitter validates spec and returns a submitter for it.
func NewFormSubmitter(spec FormSpec, logger arbor.ILogger) (*FormSubmitter, error) {
	if err := validator.New().Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid form spec: %w", err)
	}
	if spec.SubmitSelector == "" {
		spec.SubmitSelector = DefaultSubmitSelector
	}

	return &FormSubmitter{
		spec:            spec,
		submitTimeout:   durationOr(spec.SubmitTimeout, 10*time.Second),
		preSubmitDelay:  durationOr(spec.PreSubmitDelay, 500*time.Millisecond),
		postSubmitDelay: durationOr(spec.PostSubmitDelay, 2*time.Second),
		pollInterval:    250 * time.Millisecond,
		logger:          logger,
	}, nil
}

type fieldOp struct {
	Selector string      `json:"selector"`
	Type     string      `json:"type"`
	Value    interface{} `json:"value"`
}

type injectResult struct {
	Filled  int      `json:"filled"`
	Missing []string `json:"missing"`
}

// SubmitChunk injects the chunk's values, waits for the submit control and clicks it.
func (s *FormSubmitter) SubmitChunk(ctx context.Context, tab interfaces.Tab, payload models.ChunkPayload) error {
	ops := s.fieldOps(payload)
	script, err := injectScript(ops)
	if err != nil {
		return err
	}

	var result injectResult
	if err := tab.Evaluate(ctx, script, &result); err != nil {
		return fmt.Errorf("inject inputs: %w", err)
	}
	if len(result.Missing) > 0 {
		return fmt.Errorf("form fields not found: %s", strings.Join(result.Missing, ", "))
	}

	if err := s.waitForSubmit(ctx, tab); err != nil {
		return err
	}
	if err := sleepCtx(ctx, s.preSubmitDelay); err != nil {
		return err
	}

	quoted, _ := json.Marshal(s.spec.SubmitSelector)
	var clicked bool
	if err := tab.Evaluate(ctx, fmt.Sprintf("(() => { const el = document.querySelector(%s); if (!el) return false; el.click(); return true; })()", quoted), &clicked); err != nil {
		return fmt.Errorf("click submit: %w", err)
	}
	if !clicked {
		return fmt.Errorf("save button not found")
	}

	s.logger.Debug().
		Str("job_id", payload.JobID).
		Int("lane", payload.Lane).
		Int("start_index", payload.StartIndex).
		Int("filled", result.Filled).
		Msg("Chunk submitted")

	return sleepCtx(ctx, s.postSubmitDelay)
}

func (s *FormSubmitter) waitForSubmit(ctx context.Context, tab interfaces.Tab) error {
	deadline := time.Now().Add(s.submitTimeout)
	for {
		found, err := tab.HasElement(ctx, s.spec.SubmitSelector)
		if err == nil && found {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("save button not found")
		}
		if err := sleepCtx(ctx, s.pollInterval); err != nil {
			return err
		}
	}
}

// fieldOps expands the spec against every item of the chunk in key order.
func (s *FormSubmitter) fieldOps(payload models.ChunkPayload) []fieldOp {
	keys := make([]string, 0, len(s.spec.Fields))
	for key := range s.spec.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ops := make([]fieldOp, 0, len(keys)*len(payload.Items))
	for i, item := range payload.Items {
		for _, key := range keys {
			value, ok := item[key]
			if !ok {
				value, ok = payload.Fields[key]
			}
			if !ok {
				continue
			}

			field := s.spec.Fields[key]
			fieldType := field.Type
			if fieldType == "" {
				fieldType = FieldTypeText
			}
			selector := strings.NewReplacer(
				"{i}", strconv.Itoa(i),
				"{n}", strconv.Itoa(payload.StartIndex+i),
			).Replace(field.Selector)

			ops = append(ops, fieldOp{
				Selector: selector,
				Type:     fieldType,
				Value:    fieldValue(fieldType, value),
			})
		}
	}
	return ops
}

func fieldValue(fieldType string, value interface{}) interface{} {
	if fieldType == FieldTypeCheckbox {
		switch v := value.(type) {
		case bool:
			return v
		case string:
			b, _ := strconv.ParseBool(v)
			return b
		default:
			return value != nil
		}
	}
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

func injectScript(ops []fieldOp) (string, error) {
	data, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("encode field values: %w", err)
	}
	return fmt.Sprintf(`(() => {
	const ops = %s;
	const missing = [];
	let filled = 0;
	for (const op of ops) {
		const el = document.querySelector(op.selector);
		if (!el) { missing.push(op.selector); continue; }
		if (op.type === "checkbox") { el.checked = op.value === true; } else { el.value = op.value; }
		el.dispatchEvent(new Event("input", { bubbles: true }));
		el.dispatchEvent(new Event("change", { bubbles: true }));
		filled++;
	}
	return { filled, missing };
})()`, data), nil
}

func durationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
