// Package agent runs the command cycle: transcript in, spoken response
// out. It wires the catalog, conversation context, learning store,
// language model, and dispatch engine together; every transport (HTTP
// API, MQTT voice bridge, CLI) funnels into ProcessTranscript.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vestahome/vesta/internal/catalog"
	"github.com/vestahome/vesta/internal/config"
	"github.com/vestahome/vesta/internal/convo"
	"github.com/vestahome/vesta/internal/daypart"
	"github.com/vestahome/vesta/internal/dispatch"
	"github.com/vestahome/vesta/internal/events"
	"github.com/vestahome/vesta/internal/intent"
	"github.com/vestahome/vesta/internal/learning"
	"github.com/vestahome/vesta/internal/prompts"
)

// Canned responses for cycle-level failures. Dispatch-level failures
// get their phrasing from the dispatch engine instead.
const (
	respParseFailure   = "I'm sorry, I couldn't understand how to process your request."
	respModelFailure   = "I'm having trouble connecting to my brain. Please try again later."
	respCatalogMissing = "I'm having trouble accessing my device information. Please check the setup."
)

// Reply is the outcome of one command cycle.
type Reply struct {
	Success  bool
	Response string
	CycleID  string
}

// snapshotter provides the current device catalog.
type snapshotter interface {
	Snapshot() *catalog.Snapshot
}

// generator is the language model.
type generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// dispatcher executes a parsed intent.
type dispatcher interface {
	Dispatch(ctx context.Context, in *intent.Intent, cc convo.Context, snap *catalog.Snapshot, opts dispatch.Options) dispatch.Result
}

// contextStore persists conversation contexts.
type contextStore interface {
	Current(retentionDays int) (convo.Context, error)
	Append(c convo.Context) error
}

// learningStore persists command/intent examples.
type learningStore interface {
	Relevant(query string, max int) ([]learning.Example, error)
	Append(command string, intent, correctedIntent json.RawMessage) error
	CorrectLast(correctedIntent json.RawMessage) error
}

// counter records cycle statistics. May be nil.
type counter interface {
	Increment(key string) (int64, error)
}

// Config carries the session's behavioral settings.
type Config struct {
	RetentionDays int
	DefaultUser   string
	Users         map[string]config.UserProfile
	Location      *time.Location
}

// Session processes command cycles strictly one at a time: a mutex
// serializes ProcessTranscript callers, and TryProcessTranscript lets
// the voice bridge drop wake events that arrive mid-cycle instead of
// queueing them.
type Session struct {
	mu         sync.Mutex
	cfg        Config
	catalog    snapshotter
	contexts   contextStore
	examples   learningStore
	model      generator
	dispatcher dispatcher
	stats      counter
	bus        *events.Bus
	logger     *slog.Logger
}

// NewSession assembles a session. bus and stats may be nil.
func NewSession(cfg Config, cat snapshotter, contexts contextStore, examples learningStore, model generator, d dispatcher, stats counter, bus *events.Bus, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.DefaultUser == "" {
		cfg.DefaultUser = "default"
	}
	return &Session{
		cfg:        cfg,
		catalog:    cat,
		contexts:   contexts,
		examples:   examples,
		model:      model,
		dispatcher: d,
		stats:      stats,
		bus:        bus,
		logger:     logger,
	}
}

// ProcessTranscript runs one full command cycle and returns the spoken
// reply, blocking while another cycle is in flight. No failure escapes
// as an error; everything becomes response text.
func (s *Session) ProcessTranscript(ctx context.Context, transcript, user string, dryRun bool) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processLocked(ctx, transcript, user, dryRun)
}

// TryProcessTranscript runs a cycle only when no other cycle is in
// flight. Returns false when busy; the transcript is dropped, not
// queued.
func (s *Session) TryProcessTranscript(ctx context.Context, transcript, user string, dryRun bool) (Reply, bool) {
	if !s.mu.TryLock() {
		return Reply{}, false
	}
	defer s.mu.Unlock()
	return s.processLocked(ctx, transcript, user, dryRun), true
}

func (s *Session) processLocked(ctx context.Context, transcript, user string, dryRun bool) Reply {
	start := time.Now()
	cycleID := newCycleID()
	if user == "" {
		user = s.cfg.DefaultUser
	}

	logger := s.logger.With("cycle_id", cycleID, "user", user)
	logger.Info("command cycle started", "transcript_len", len(transcript), "dry_run", dryRun)

	s.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindCycleStart,
		Data:   map[string]any{"cycle_id": cycleID, "user": user, "transcript_len": len(transcript)},
	})

	reply := s.runCycle(ctx, logger, cycleID, transcript, user, dryRun)

	if s.stats != nil {
		if _, err := s.stats.Increment("cycles_total"); err != nil {
			logger.Warn("record cycle count", "error", err)
		}
		if !reply.Success {
			if _, err := s.stats.Increment("cycles_failed"); err != nil {
				logger.Warn("record cycle count", "error", err)
			}
		}
	}

	s.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindCycleComplete,
		Data: map[string]any{
			"cycle_id":   cycleID,
			"success":    reply.Success,
			"elapsed_ms": time.Since(start).Milliseconds(),
		},
	})
	logger.Info("command cycle finished",
		"success", reply.Success,
		"elapsed", time.Since(start).Round(time.Millisecond))

	return reply
}

func (s *Session) runCycle(ctx context.Context, logger *slog.Logger, cycleID, transcript, user string, dryRun bool) Reply {
	cc, err := s.contexts.Current(s.cfg.RetentionDays)
	if err != nil {
		logger.Warn("load conversation context", "error", err)
		cc = convo.Context{}
	}

	// Cues are detected on the words actually spoken, before any
	// substitution.
	correction := convo.IsCorrection(transcript)
	repeat := convo.IsRepeat(transcript)
	adjustment := convo.IsAdjustment(transcript)
	pronoun := convo.HasPronoun(transcript)

	// A repeat reuses the previous command verbatim.
	enhanced := transcript
	if repeat && cc.LastTranscript != "" {
		enhanced = cc.LastTranscript
		logger.Info("repeat cue detected, reusing previous transcript")
	}

	snap := s.catalog.Snapshot()
	if snap == nil {
		logger.Error("no catalog snapshot available")
		return Reply{Success: false, Response: respCatalogMissing, CycleID: cycleID}
	}

	devices := catalog.ResolveEntities(enhanced, snap)
	areas := catalog.ResolveAreas(enhanced, snap)
	logger.Debug("resolved command references", "devices", len(devices), "areas", len(areas))

	var examples []learning.Example
	if !correction && s.examples != nil {
		examples, err = s.examples.Relevant(enhanced, prompts.MaxExamples)
		if err != nil {
			logger.Warn("load learning examples", "error", err)
		}
	}

	var profile any
	if p, ok := s.cfg.Users[user]; ok {
		profile = p
	}

	prompt := prompts.BuildCommandPrompt(prompts.Request{
		Transcript: enhanced,
		User:       user,
		Ctx:        cc,
		Correction: correction,
		Repeat:     repeat,
		Adjustment: adjustment,
		Pronoun:    pronoun,
		Devices:    devices,
		Areas:      areas,
		Examples:   examples,
		Day:        daypart.Now(s.cfg.Location),
		Profile:    profile,
	})
	logger.Log(ctx, config.LevelTrace, "prompt built", "prompt", prompt)

	raw, err := s.model.Generate(ctx, prompt)
	if err != nil {
		logger.Error("model call failed", "error", err)
		return Reply{Success: false, Response: respModelFailure, CycleID: cycleID}
	}
	logger.Log(ctx, config.LevelTrace, "model reply", "raw", raw)

	in, err := intent.ParseReply(raw)
	if err != nil {
		var pe *intent.ParseError
		reason := err.Error()
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		logger.Warn("model reply did not parse", "reason", reason)
		s.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindParseFailure,
			Data:   map[string]any{"cycle_id": cycleID, "reason": reason},
		})
		return Reply{Success: false, Response: respParseFailure, CycleID: cycleID}
	}

	res := s.dispatcher.Dispatch(ctx, in, cc, snap, dispatch.Options{
		DryRun:  dryRun,
		CycleID: cycleID,
	})

	s.record(logger, cycleID, transcript, enhanced, user, correction, repeat, cc, in, res)

	return Reply{Success: res.Success, Response: res.Response, CycleID: cycleID}
}

// record persists the cycle: conversation context append plus the
// learning example. Persistence failures are logged, never surfaced to
// the speaker.
func (s *Session) record(logger *slog.Logger, cycleID, transcript, enhanced, user string, correction, repeat bool, prev convo.Context, in *intent.Intent, res dispatch.Result) {
	intentJSON, err := json.Marshal(in)
	if err != nil {
		logger.Warn("marshal intent for persistence", "error", err)
		intentJSON = nil
	}

	result := "failed"
	if res.Success {
		result = "success"
	}

	next := convo.Context{
		ID:             cycleID,
		LastTranscript: transcript,
		LastIntent:     intentJSON,
		LastResult:     result,
		User:           user,
		LastDevices:    res.Devices,
		LastAction:     res.Action,
		LastParameters: res.Parameters,
	}
	// A repeat keeps the previous transcript current so another "again"
	// replays the same command.
	if repeat && prev.LastTranscript != "" {
		next.LastTranscript = prev.LastTranscript
	}
	// Carry device bookkeeping forward when this cycle controlled
	// nothing, so follow-ups can still resolve "it".
	if len(next.LastDevices) == 0 {
		next.LastDevices = prev.LastDevices
		next.LastAction = prev.LastAction
		next.LastParameters = prev.LastParameters
	}

	if err := s.contexts.Append(next); err != nil {
		logger.Warn("append conversation context", "error", err)
	}

	if s.examples == nil || intentJSON == nil {
		return
	}
	if correction && len(prev.LastIntent) > 0 {
		// The corrected intent replaces the disputed one on the stored
		// example instead of creating a near-duplicate entry.
		if err := s.examples.CorrectLast(intentJSON); err != nil {
			logger.Warn("correct learning example", "error", err)
		}
		return
	}
	if err := s.examples.Append(enhanced, intentJSON, nil); err != nil {
		logger.Warn("append learning example", "error", err)
	}
}

func newCycleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4
		// semantics via NewString rather than aborting the cycle.
		return uuid.NewString()
	}
	return id.String()
}
