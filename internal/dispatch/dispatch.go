// Package dispatch turns a parsed intent into hub service calls and a
// spoken response. It is the state machine at the center of the system:
// per-action entity resolution, validation, invocation with cause-aware
// error phrasing, and grouped response synthesis.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/vestahome/vesta/internal/catalog"
	"github.com/vestahome/vesta/internal/convo"
	"github.com/vestahome/vesta/internal/events"
	"github.com/vestahome/vesta/internal/homeassistant"
	"github.com/vestahome/vesta/internal/intent"
)

// defaultCallTimeout bounds each hub service call.
const defaultCallTimeout = 10 * time.Second

// ServiceCaller is the hub collaborator the engine invokes.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Options modify one dispatch call.
type Options struct {
	// DryRun echoes each action back instead of calling the hub. The
	// resolution path is shared with real dispatch; only the invocation
	// is skipped, and the overall result is always success.
	DryRun bool
	// CycleID correlates published events with the command cycle.
	CycleID string
}

// Result is the outcome of dispatching one intent.
type Result struct {
	// Success is true iff no action failed.
	Success bool
	// Response is the synthesized spoken reply.
	Response string

	// Bookkeeping for the next conversation context.
	Devices    []string
	Action     string
	Parameters map[string]any
}

// Engine dispatches intents against the hub.
type Engine struct {
	hub         ServiceCaller
	logger      *slog.Logger
	bus         *events.Bus
	callTimeout time.Duration
}

// NewEngine creates a dispatch engine. bus may be nil.
func NewEngine(hub ServiceCaller, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		hub:         hub,
		logger:      logger,
		bus:         bus,
		callTimeout: defaultCallTimeout,
	}
}

// Dispatch processes every action of the intent in order. A single
// unresolvable or failing action never aborts the batch; its failure is
// folded into the response instead.
func (e *Engine) Dispatch(ctx context.Context, in *intent.Intent, cc convo.Context, snap *catalog.Snapshot, opts Options) Result {
	room := in.InferredRoom

	var (
		success    = true
		groups     []actionGroup
		errorSet   = newOrderedSet()
		controlled []string
		lastAction string
		lastParams map[string]any
		dryRuns    strings.Builder
	)

	for _, action := range in.Actions {
		entityIDs, failMsg := e.resolveEntities(action, room, cc, snap)
		if failMsg != "" {
			if !opts.DryRun {
				errorSet.add(failMsg)
				success = false
				continue
			}
			// Dry runs still echo unresolvable actions.
			entityIDs = nil
		}

		if action.DeviceType == "" || action.Action == "" {
			e.logger.Warn("skipping malformed action",
				"device_type", action.DeviceType, "action", action.Action)
			success = false
			continue
		}

		if opts.DryRun {
			entity := strings.Join(entityIDs, ", ")
			if entity == "" {
				entity = "unknown device"
			}
			fmt.Fprintf(&dryRuns, "I would %s your %s. ", serviceWords(action.Action), entity)
			continue
		}

		payload := make(map[string]any, len(action.Parameters)+1)
		for k, v := range action.Parameters {
			payload[k] = v
		}
		if len(entityIDs) == 1 {
			payload["entity_id"] = entityIDs[0]
		} else if len(entityIDs) > 1 {
			payload["entity_id"] = entityIDs
		}

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		err := e.hub.CallService(callCtx, action.DeviceType, action.Action, payload)
		cancel()

		e.bus.Publish(events.Event{
			Source: events.SourceDispatch,
			Kind:   events.KindActionDispatched,
			Data: map[string]any{
				"cycle_id":  opts.CycleID,
				"domain":    action.DeviceType,
				"service":   action.Action,
				"entity_id": strings.Join(entityIDs, ","),
				"ok":        err == nil,
			},
		})

		if err != nil {
			errorSet.add(e.phraseFailure(err, action.Action, entityIDs))
			success = false
			e.logger.Warn("service call failed",
				"domain", action.DeviceType, "service", action.Action, "error", err)
			continue
		}

		e.logger.Info("service call succeeded",
			"domain", action.DeviceType, "service", action.Action,
			"entities", len(entityIDs))

		key := action.DeviceType + "." + action.Action
		groups = addToGroup(groups, key, entityIDs)
		controlled = append(controlled, entityIDs...)
		lastAction = key
		lastParams = action.Parameters
	}

	if opts.DryRun {
		response := dryRuns.String()
		if response == "" {
			response = "I've completed your request successfully."
		}
		return Result{Success: true, Response: strings.TrimSpace(response)}
	}

	response := e.synthesize(groups, errorSet, room, snap, success)

	return Result{
		Success:    success,
		Response:   response,
		Devices:    controlled,
		Action:     lastAction,
		Parameters: lastParams,
	}
}

// resolveEntities determines the target entity IDs for one action.
// Explicit IDs win; otherwise the catalog is searched by room, then the
// previous cycle's devices are reused, and finally a user-facing
// failure message is returned.
func (e *Engine) resolveEntities(action intent.Action, room string, cc convo.Context, snap *catalog.Snapshot) ([]string, string) {
	if ids := explicitIDs(action); len(ids) > 0 {
		return ids, ""
	}

	domain := action.DeviceType

	var devices []catalog.Device
	if snap != nil {
		devices = snap.Devices
	}

	if domain == "light" && room != "" {
		normRoom := catalog.NormalizeArea(room)

		var matched []string
		for _, d := range devices {
			if d.Domain == "light" && d.Area != "" && catalog.NormalizeArea(d.Area) == normRoom {
				matched = append(matched, d.EntityID)
			}
		}
		if len(matched) == 0 {
			for _, d := range devices {
				if d.Domain != "light" {
					continue
				}
				if strings.Contains(catalog.NormalizeArea(d.Name), normRoom) ||
					strings.Contains(catalog.NormalizeArea(d.EntityID), normRoom) {
					matched = append(matched, d.EntityID)
				}
			}
		}
		if len(matched) > 0 {
			e.logger.Debug("inferred lights by area", "room", room, "entities", matched)
			return matched, ""
		}
		if len(cc.LastDevices) > 0 {
			e.logger.Debug("falling back to last controlled devices", "entities", cc.LastDevices)
			return cc.LastDevices, ""
		}
		return nil, fmt.Sprintf("I couldn't find any lights in the %s. Please specify the device.", room)
	}

	// Other domains: substring match on name/id when a room was given.
	if room != "" {
		normRoom := catalog.NormalizeArea(room)
		var matched []string
		for _, d := range devices {
			if d.Domain != domain {
				continue
			}
			if strings.Contains(catalog.NormalizeArea(d.Name), normRoom) ||
				strings.Contains(catalog.NormalizeArea(d.EntityID), normRoom) {
				matched = append(matched, d.EntityID)
			}
		}
		if len(matched) > 0 {
			e.logger.Debug("inferred entities by room substring", "room", room, "entities", matched)
			return matched, ""
		}
	}
	if len(cc.LastDevices) > 0 {
		e.logger.Debug("falling back to last controlled devices", "entities", cc.LastDevices)
		return cc.LastDevices, ""
	}

	if room != "" {
		return nil, fmt.Sprintf("I couldn't determine which %s you meant in the %s. Please specify the device.", domain, room)
	}
	return nil, fmt.Sprintf("I couldn't determine which %s you meant. Please specify the device.", domain)
}

// phraseFailure maps a call error to its user-facing sentence. Hub
// rejections, timeouts, and connection failures each get distinct
// phrasing.
func (e *Engine) phraseFailure(err error, service string, entityIDs []string) string {
	var statusErr *homeassistant.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("I couldn't %s your %s.", serviceWords(service), strings.Join(entityIDs, ", "))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "I couldn't reach your Home Assistant server."
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "I couldn't reach your Home Assistant server."
	}

	return "I couldn't connect to your Home Assistant server."
}

// synthesize builds the spoken response: one sentence per successful
// (domain, service) group in first-success order, with accumulated
// unique error sentences prepended.
func (e *Engine) synthesize(groups []actionGroup, errorSet *orderedSet, room string, snap *catalog.Snapshot, success bool) string {
	var b strings.Builder

	roomStr := ""
	if room != "" {
		roomStr = " in the " + room
	}

	for _, g := range groups {
		domain, service, _ := strings.Cut(g.key, ".")
		words := serviceWords(service)

		if len(g.entities) > 1 {
			if domain == "light" {
				switch service {
				case "turn_on":
					fmt.Fprintf(&b, "I've turned on all the lights%s for you. ", roomStr)
				case "turn_off":
					fmt.Fprintf(&b, "I've turned off all the lights%s for you. ", roomStr)
				default:
					fmt.Fprintf(&b, "I've %s all the lights%s. ", words, roomStr)
				}
			} else {
				fmt.Fprintf(&b, "I've %s all the %ss%s. ", words, domain, roomStr)
			}
			continue
		}

		name := g.entities[0]
		if snap != nil {
			if d, ok := snap.Device(name); ok {
				name = d.Name
			}
		}
		fmt.Fprintf(&b, "I've %s the %s%s. ", words, name, roomStr)
	}

	response := b.String()
	if errs := errorSet.join(" "); errs != "" {
		response = errs + " " + response
	}
	response = strings.TrimSpace(response)

	if response == "" {
		if success {
			return "I've completed your request successfully."
		}
		return "I had trouble completing your request. Please check the logs for details."
	}
	return response
}

// explicitIDs pulls entity IDs from the action itself, checking the
// top-level field first and parameters second.
func explicitIDs(action intent.Action) []string {
	if len(action.EntityID) > 0 {
		return action.EntityID
	}
	raw, ok := action.Parameters["entity_id"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		if v != "" {
			return []string{v}
		}
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// actionGroup accumulates the devices affected by one (domain, service)
// pair, preserving first-success order across the batch.
type actionGroup struct {
	key      string
	entities []string
}

func addToGroup(groups []actionGroup, key string, ids []string) []actionGroup {
	for i := range groups {
		if groups[i].key == key {
			for _, id := range ids {
				if !contains(groups[i].entities, id) {
					groups[i].entities = append(groups[i].entities, id)
				}
			}
			return groups
		}
	}
	g := actionGroup{key: key}
	for _, id := range ids {
		if !contains(g.entities, id) {
			g.entities = append(g.entities, id)
		}
	}
	return append(groups, g)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// orderedSet deduplicates error sentences while keeping first-seen
// order, so repeated identical failures surface once.
type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool)}
}

func (s *orderedSet) add(item string) {
	if s.seen[item] {
		return
	}
	s.seen[item] = true
	s.items = append(s.items, item)
}

func (s *orderedSet) join(sep string) string {
	return strings.Join(s.items, sep)
}

// serviceWords converts a service name to spoken words.
func serviceWords(service string) string {
	return strings.ReplaceAll(service, "_", " ")
}
