// Package automation evaluates user-defined rules and fires their actions.
// Rule expressions go through a closed boolean grammar only; there is no
// path from automation content to host-code execution.
package automation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"hearth/internal/bus"
	"hearth/internal/clock"
	herrors "hearth/internal/errors"
	"hearth/internal/logging"
	"hearth/internal/schedule"
)

// Condition logic combinators.
const (
	LogicAnd    = "AND"
	LogicOr     = "OR"
	LogicCustom = "CUSTOM"
)

// Automation status values.
const (
	StatusActive   = "active"
	StatusRejected = "rejected"
)

// Trigger describes one event that can fire an automation.
type Trigger struct {
	Type       string `json:"type"` // device | schedule | manual
	DeviceID   string `json:"deviceId,omitempty"`
	Capability string `json:"capability,omitempty"`
	CronSpec   string `json:"cronSpec,omitempty"`
}

// Condition is one comparison against resolved context values.
type Condition struct {
	LeftRef    string `json:"leftRef"`
	Operator   string `json:"operator"`
	RightValue any    `json:"rightValue"`
}

// Action is one step of an automation's effect.
type Action struct {
	Type       string `json:"type"` // capability | scene | notify
	DeviceID   string `json:"deviceId,omitempty"`
	Capability string `json:"capability,omitempty"`
	Value      any    `json:"value,omitempty"`
	SceneID    string `json:"sceneId,omitempty"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// Constraints gate how often an automation may run.
type Constraints struct {
	CooldownMinutes int `json:"cooldownMinutes,omitempty"`
	DailyLimit      int `json:"dailyLimit,omitempty"` // 0 = unlimited
}

// Statistics accumulates execution telemetry.
type Statistics struct {
	ExecutionCount int       `json:"executionCount"`
	LastExecuted   time.Time `json:"lastExecuted,omitempty"`
	Created        time.Time `json:"created"`
	UserApprovals  int       `json:"userApprovals"`
	UserRejections int       `json:"userRejections"`
}

// Automation is one user-defined rule.
type Automation struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Enabled         bool        `json:"enabled"`
	Priority        int         `json:"priority"` // 1-10, higher runs first
	Status          string      `json:"status"`
	ConditionLogic  string      `json:"conditionLogic"`
	CustomLogicExpr string      `json:"customLogicExpr,omitempty"`
	Triggers        []Trigger   `json:"triggers"`
	Conditions      []Condition `json:"conditions"`
	Actions         []Action    `json:"actions"`
	Constraints     Constraints `json:"constraints"`
	Statistics      Statistics  `json:"statistics"`

	dailyCount int
	dailyDay   int
}

// CreateSpec is the input for a new automation. Zero values pick up the
// defaults: enabled, priority 5, AND logic.
type CreateSpec struct {
	Name            string      `json:"name"`
	Enabled         *bool       `json:"enabled,omitempty"`
	Priority        int         `json:"priority,omitempty"`
	ConditionLogic  string      `json:"conditionLogic,omitempty"`
	CustomLogicExpr string      `json:"customLogicExpr,omitempty"`
	Triggers        []Trigger   `json:"triggers,omitempty"`
	Conditions      []Condition `json:"conditions,omitempty"`
	Actions         []Action    `json:"actions,omitempty"`
	Constraints     Constraints `json:"constraints,omitempty"`
}

// Patch is a partial update.
type Patch struct {
	Name            *string      `json:"name,omitempty"`
	Enabled         *bool        `json:"enabled,omitempty"`
	Priority        *int         `json:"priority,omitempty"`
	ConditionLogic  *string      `json:"conditionLogic,omitempty"`
	CustomLogicExpr *string      `json:"customLogicExpr,omitempty"`
	Triggers        *[]Trigger   `json:"triggers,omitempty"`
	Conditions      *[]Condition `json:"conditions,omitempty"`
	Actions         *[]Action    `json:"actions,omitempty"`
	Constraints     *Constraints `json:"constraints,omitempty"`
}

var (
	ErrAutomationNotFound = fmt.Errorf("automation not found")
	ErrInvalidPriority    = fmt.Errorf("priority must be between 1 and 10")
	ErrInvalidLogic       = fmt.Errorf("invalid condition logic")
	ErrInvalidExpression  = fmt.Errorf("invalid custom logic expression")
)

// DeviceActions is the slice of the device adapter the engine needs.
type DeviceActions interface {
	SetCapability(ctx context.Context, deviceID, capability string, value any) error
	TriggerFlow(ctx context.Context, flowID string) error
}

// Notifier receives notify actions.
type Notifier interface {
	Notify(priority, category, title, message string)
}

// Publisher is the slice of the event bus the engine needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Resolver supplies values for condition leftRefs.
type Resolver interface {
	Resolve(ref string) (any, bool)
}

// MapContext is a Resolver over a plain map.
type MapContext map[string]any

func (m MapContext) Resolve(ref string) (any, bool) {
	v, ok := m[ref]
	return v, ok
}

// Engine owns automation storage, evaluation and execution.
type Engine struct {
	clk      clock.Clock
	logger   logging.Logger
	errs     *herrors.Service
	pub      Publisher
	devices  DeviceActions
	notifier Notifier
	cron     *schedule.Cron

	mu          sync.Mutex
	automations map[string]*Automation
}

// NewEngine constructs the rule engine. cron may be nil when schedule
// triggers are not needed (tests).
func NewEngine(clk clock.Clock, logger logging.Logger, errs *herrors.Service, pub Publisher, devices DeviceActions, notifier Notifier, cron *schedule.Cron) *Engine {
	return &Engine{
		clk:         clk,
		logger:      logging.OrNop(logger),
		errs:        errs,
		pub:         pub,
		devices:     devices,
		notifier:    notifier,
		cron:        cron,
		automations: make(map[string]*Automation),
	}
}

// Bind subscribes the engine to device-update events.
func (e *Engine) Bind(b *bus.Bus) error {
	return b.Subscribe(bus.TopicDeviceUpdated, "automation", func(evt bus.Event) error {
		payload, _ := evt.Payload.(map[string]any)
		e.HandleDeviceEvent(context.Background(), payload)
		return nil
	})
}

// GenerateID mints an automation id.
func GenerateID() string {
	return "auto_" + uuid.NewString()
}

func validLogic(logic string) bool {
	return logic == LogicAnd || logic == LogicOr || logic == LogicCustom
}

// Create registers a new automation, applying defaults and validating the
// custom expression up front so a broken rule is rejected rather than
// silently never firing.
func (e *Engine) Create(spec CreateSpec) (Automation, error) {
	a := &Automation{
		ID:              GenerateID(),
		Name:            spec.Name,
		Enabled:         true,
		Priority:        spec.Priority,
		Status:          StatusActive,
		ConditionLogic:  spec.ConditionLogic,
		CustomLogicExpr: spec.CustomLogicExpr,
		Triggers:        append([]Trigger(nil), spec.Triggers...),
		Conditions:      append([]Condition(nil), spec.Conditions...),
		Actions:         append([]Action(nil), spec.Actions...),
		Constraints:     spec.Constraints,
		Statistics:      Statistics{Created: e.clk.Now()},
	}
	if spec.Enabled != nil {
		a.Enabled = *spec.Enabled
	}
	if a.Priority == 0 {
		a.Priority = 5
	}
	if a.ConditionLogic == "" {
		a.ConditionLogic = LogicAnd
	}
	if a.Triggers == nil {
		a.Triggers = []Trigger{}
	}
	if a.Conditions == nil {
		a.Conditions = []Condition{}
	}
	if a.Actions == nil {
		a.Actions = []Action{}
	}
	if err := e.validate(a); err != nil {
		return Automation{}, err
	}

	e.mu.Lock()
	e.automations[a.ID] = a
	e.mu.Unlock()

	e.registerCronTriggers(a)
	e.logger.Info("automation %s (%s) created", a.ID, a.Name)
	return *a, nil
}

func (e *Engine) validate(a *Automation) error {
	if a.Priority < 1 || a.Priority > 10 {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, a.Priority)
	}
	if !validLogic(a.ConditionLogic) {
		return fmt.Errorf("%w: %q", ErrInvalidLogic, a.ConditionLogic)
	}
	if a.ConditionLogic == LogicCustom {
		if err := ValidateCustomExpr(a.CustomLogicExpr, len(a.Conditions)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
	}
	return nil
}

// Update applies a partial patch.
func (e *Engine) Update(id string, patch Patch) (Automation, error) {
	e.mu.Lock()
	a, ok := e.automations[id]
	if !ok {
		e.mu.Unlock()
		return Automation{}, fmt.Errorf("%w: %q", ErrAutomationNotFound, id)
	}

	next := *a
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}
	if patch.Priority != nil {
		next.Priority = *patch.Priority
	}
	if patch.ConditionLogic != nil {
		next.ConditionLogic = *patch.ConditionLogic
	}
	if patch.CustomLogicExpr != nil {
		next.CustomLogicExpr = *patch.CustomLogicExpr
	}
	if patch.Triggers != nil {
		next.Triggers = append([]Trigger(nil), (*patch.Triggers)...)
	}
	if patch.Conditions != nil {
		next.Conditions = append([]Condition(nil), (*patch.Conditions)...)
	}
	if patch.Actions != nil {
		next.Actions = append([]Action(nil), (*patch.Actions)...)
	}
	if patch.Constraints != nil {
		next.Constraints = *patch.Constraints
	}
	if err := e.validate(&next); err != nil {
		e.mu.Unlock()
		return Automation{}, err
	}
	*a = next
	snapshot := *a
	e.mu.Unlock()

	e.unregisterCronTriggers(id)
	e.registerCronTriggers(&snapshot)
	return snapshot, nil
}

// Delete removes an automation entirely.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	_, ok := e.automations[id]
	delete(e.automations, id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrAutomationNotFound, id)
	}
	e.unregisterCronTriggers(id)
	return nil
}

// Get returns a copy of one automation.
func (e *Engine) Get(id string) (Automation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.automations[id]
	if !ok {
		return Automation{}, false
	}
	return *a, true
}

// List returns all automations, highest priority first.
func (e *Engine) List() []Automation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Automation, 0, len(e.automations))
	for _, a := range e.automations {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Approve records a user approval.
func (e *Engine) Approve(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.automations[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrAutomationNotFound, id)
	}
	a.Statistics.UserApprovals++
	return nil
}

// Reject marks the automation rejected and disables it. The record stays
// until explicitly deleted.
func (e *Engine) Reject(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.automations[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrAutomationNotFound, id)
	}
	a.Statistics.UserRejections++
	a.Status = StatusRejected
	a.Enabled = false
	return nil
}

func (e *Engine) registerCronTriggers(a *Automation) {
	if e.cron == nil {
		return
	}
	for i, trig := range a.Triggers {
		if trig.Type != "schedule" || trig.CronSpec == "" {
			continue
		}
		id := a.ID
		name := fmt.Sprintf("automation:%s:%d", a.ID, i)
		if err := e.cron.Add(name, trig.CronSpec, func() {
			e.fireByID(context.Background(), id, MapContext{})
		}); err != nil {
			e.logger.Warn("automation %s: bad cron spec %q: %v", a.ID, trig.CronSpec, err)
		}
	}
}

func (e *Engine) unregisterCronTriggers(id string) {
	if e.cron == nil {
		return
	}
	prefix := "automation:" + id + ":"
	for _, name := range e.cron.Names() {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			e.cron.Remove(name)
		}
	}
}

// EvaluateConditions resolves and combines an automation's conditions.
// An automation without conditions always passes.
func (e *Engine) EvaluateConditions(a Automation, ctx Resolver) bool {
	if len(a.Conditions) == 0 {
		return true
	}

	results := make([]bool, len(a.Conditions))
	for i, cond := range a.Conditions {
		left, ok := ctx.Resolve(cond.LeftRef)
		if !ok {
			results[i] = false
			continue
		}
		results[i] = CompareValues(left, cond.Operator, cond.RightValue)
	}

	switch a.ConditionLogic {
	case LogicOr:
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	case LogicCustom:
		return EvaluateCustomLogic(a.CustomLogicExpr, results)
	default: // AND
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	}
}

var indexToken = regexp.MustCompile(`\b\d+\b`)

// EvaluateCustomLogic substitutes positional condition results into the
// expression and evaluates it through the safe grammar. Any error yields
// false.
func EvaluateCustomLogic(expr string, results []bool) bool {
	substituted := indexToken.ReplaceAllStringFunc(expr, func(tok string) string {
		idx, err := strconv.Atoi(tok)
		if err != nil || idx < 0 || idx >= len(results) {
			return tok
		}
		if results[idx] {
			return "true"
		}
		return "false"
	})
	result, err := SafeBoolEval(substituted)
	if err != nil {
		return false
	}
	return result
}

// ValidateCustomExpr checks that an expression references only in-range
// condition indices and parses under the safe grammar.
func ValidateCustomExpr(expr string, conditionCount int) error {
	if expr == "" {
		return fmt.Errorf("expression must not be empty")
	}
	var badIndex error
	substituted := indexToken.ReplaceAllStringFunc(expr, func(tok string) string {
		idx, err := strconv.Atoi(tok)
		if err != nil || idx < 0 || idx >= conditionCount {
			badIndex = fmt.Errorf("condition index %s out of range", tok)
			return tok
		}
		return "true"
	})
	if badIndex != nil {
		return badIndex
	}
	if _, err := SafeBoolEval(substituted); err != nil {
		return err
	}
	return nil
}

// CheckConstraints enforces cooldown and daily-limit gates. Fails closed.
func (e *Engine) CheckConstraints(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.automations[id]
	if !ok {
		return false
	}
	return e.checkConstraintsLocked(a)
}

func (e *Engine) checkConstraintsLocked(a *Automation) bool {
	now := e.clk.Now()
	if a.Constraints.CooldownMinutes > 0 && !a.Statistics.LastExecuted.IsZero() {
		cooldown := time.Duration(a.Constraints.CooldownMinutes) * time.Minute
		if now.Sub(a.Statistics.LastExecuted) < cooldown {
			return false
		}
	}
	if a.Constraints.DailyLimit > 0 {
		day := now.Year()*1000 + now.YearDay()
		if a.dailyDay == day && a.dailyCount >= a.Constraints.DailyLimit {
			return false
		}
	}
	return true
}

// TriggerManual fires one automation regardless of its trigger list, still
// honoring constraints and conditions. Returns whether the actions ran.
func (e *Engine) TriggerManual(ctx context.Context, id string, evalCtx Resolver) (bool, error) {
	e.mu.Lock()
	a, ok := e.automations[id]
	if !ok {
		e.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrAutomationNotFound, id)
	}
	snapshot := *a
	e.mu.Unlock()
	if !snapshot.Enabled {
		return false, nil
	}
	return e.run(ctx, id, snapshot, evalCtx), nil
}

// HandleDeviceEvent fans a device update out to every automation with a
// matching device trigger, highest priority first.
func (e *Engine) HandleDeviceEvent(ctx context.Context, payload map[string]any) {
	deviceID, _ := payload["deviceId"].(string)
	capability, _ := payload["capability"].(string)
	value := payload["value"]

	evalCtx := MapContext{
		"deviceId":   deviceID,
		"capability": capability,
		"value":      value,
	}
	if deviceID != "" && capability != "" {
		evalCtx[fmt.Sprintf("device.%s.%s", deviceID, capability)] = value
	}

	for _, a := range e.List() {
		if !a.Enabled || !e.matchesDeviceTrigger(a, deviceID, capability) {
			continue
		}
		e.run(ctx, a.ID, a, evalCtx)
	}
}

func (e *Engine) matchesDeviceTrigger(a Automation, deviceID, capability string) bool {
	for _, trig := range a.Triggers {
		if trig.Type != "device" {
			continue
		}
		if trig.DeviceID != "" && trig.DeviceID != deviceID {
			continue
		}
		if trig.Capability != "" && trig.Capability != capability {
			continue
		}
		return true
	}
	return false
}

func (e *Engine) fireByID(ctx context.Context, id string, evalCtx Resolver) {
	e.mu.Lock()
	a, ok := e.automations[id]
	if !ok || !a.Enabled {
		e.mu.Unlock()
		return
	}
	snapshot := *a
	e.mu.Unlock()
	e.run(ctx, id, snapshot, evalCtx)
}

// run is the execution pipeline: constraints, conditions, then actions in
// declared order. Action failures are recorded at MEDIUM severity and do
// not stop the remaining actions. The cooldown clock starts when the run
// finishes.
func (e *Engine) run(ctx context.Context, id string, a Automation, evalCtx Resolver) bool {
	e.mu.Lock()
	live, ok := e.automations[id]
	if !ok || !e.checkConstraintsLocked(live) {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	if !e.EvaluateConditions(a, evalCtx) {
		return false
	}

	for i, action := range a.Actions {
		if err := e.runAction(ctx, action); err != nil {
			if e.errs != nil {
				e.errs.Record("automation",
					fmt.Errorf("automation %s action %d (%s): %w", id, i, action.Type, err),
					herrors.WithSeverityHint(herrors.SeverityMedium))
			}
		}
	}

	now := e.clk.Now()
	e.mu.Lock()
	if live, ok := e.automations[id]; ok {
		live.Statistics.ExecutionCount++
		live.Statistics.LastExecuted = now
		day := now.Year()*1000 + now.YearDay()
		if live.dailyDay != day {
			live.dailyDay = day
			live.dailyCount = 0
		}
		live.dailyCount++
	}
	e.mu.Unlock()

	if e.pub != nil {
		_ = e.pub.Publish(bus.TopicAutomationTriggered, map[string]any{
			"automationId": id,
			"name":         a.Name,
		})
	}
	e.logger.Debug("automation %s executed", id)
	return true
}

func (e *Engine) runAction(ctx context.Context, action Action) error {
	switch action.Type {
	case "capability":
		if e.devices == nil {
			return fmt.Errorf("no device backend configured")
		}
		return e.devices.SetCapability(ctx, action.DeviceID, action.Capability, action.Value)
	case "scene":
		if e.devices == nil {
			return fmt.Errorf("no device backend configured")
		}
		return e.devices.TriggerFlow(ctx, action.SceneID)
	case "notify":
		if e.notifier == nil {
			return fmt.Errorf("no notifier configured")
		}
		priority := action.Priority
		if priority == "" {
			priority = "normal"
		}
		e.notifier.Notify(priority, "automation", action.Title, action.Message)
		return nil
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}
