package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vestahome/vesta/internal/events"
	"github.com/vestahome/vesta/internal/homeassistant"
)

// hubClient is the subset of the Home Assistant client the syncer needs.
type hubClient interface {
	GetStates(ctx context.Context) ([]homeassistant.State, error)
	GetAreas(ctx context.Context) ([]homeassistant.Area, error)
	GetEntityRegistry(ctx context.Context) ([]homeassistant.EntityRegistryEntry, error)
}

// syncMarker records sync bookkeeping. Satisfied by an opstate namespace.
type syncMarker interface {
	Set(key, value string) error
}

// Syncer builds catalog snapshots from Home Assistant and publishes
// them atomically. A failed sync leaves the previous snapshot in place;
// a process that has never synced has no snapshot at all, which callers
// must treat as the device-information-unavailable condition.
type Syncer struct {
	hub    hubClient
	marks  syncMarker
	bus    *events.Bus
	logger *slog.Logger

	snap atomic.Pointer[Snapshot]

	// Debounce window for event-driven resyncs.
	debounce time.Duration
	kick     chan struct{}
}

// NewSyncer creates a Syncer. marks may be nil when no operational
// state store is configured; bus may be nil.
func NewSyncer(hub hubClient, marks syncMarker, bus *events.Bus, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		hub:      hub,
		marks:    marks,
		bus:      bus,
		logger:   logger,
		debounce: 5 * time.Second,
		kick:     make(chan struct{}, 1),
	}
}

// Snapshot returns the current catalog snapshot, or nil if no sync has
// ever succeeded.
func (s *Syncer) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Sync fetches states, the area registry, and the entity registry, and
// publishes a fresh snapshot. Disabled entities are excluded. On error
// the previous snapshot is kept.
func (s *Syncer) Sync(ctx context.Context) error {
	start := time.Now()

	states, err := s.hub.GetStates(ctx)
	if err != nil {
		return fmt.Errorf("fetch states: %w", err)
	}
	areas, err := s.hub.GetAreas(ctx)
	if err != nil {
		return fmt.Errorf("fetch areas: %w", err)
	}
	entries, err := s.hub.GetEntityRegistry(ctx)
	if err != nil {
		return fmt.Errorf("fetch entity registry: %w", err)
	}

	areaNames := make(map[string]string, len(areas))
	for _, a := range areas {
		areaNames[a.AreaID] = a.Name
	}

	entityArea := make(map[string]string, len(entries))
	disabled := make(map[string]bool)
	for _, e := range entries {
		if e.IsDisabled() {
			disabled[e.EntityID] = true
			continue
		}
		if e.AreaID != "" {
			entityArea[e.EntityID] = areaNames[e.AreaID]
		}
	}

	snap := &Snapshot{
		Devices: make([]Device, 0, len(states)),
		Areas:   make([]Area, 0, len(areas)),
	}
	for _, a := range areas {
		snap.Areas = append(snap.Areas, Area{
			AreaID:     a.AreaID,
			Name:       a.Name,
			ParentArea: a.ParentArea,
		})
	}
	for _, st := range states {
		if disabled[st.EntityID] {
			continue
		}
		domain, _, ok := strings.Cut(st.EntityID, ".")
		if !ok {
			continue
		}
		snap.Devices = append(snap.Devices, Device{
			EntityID: st.EntityID,
			Name:     st.FriendlyName(),
			Domain:   domain,
			Area:     entityArea[st.EntityID],
		})
	}

	s.snap.Store(snap)
	s.logger.Info("catalog synced",
		"devices", len(snap.Devices),
		"areas", len(snap.Areas),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if s.marks != nil {
		if err := s.marks.Set("last_sync", time.Now().UTC().Format(time.RFC3339)); err != nil {
			s.logger.Warn("record sync mark", "error", err)
		}
		if err := s.marks.Set("device_count", fmt.Sprintf("%d", len(snap.Devices))); err != nil {
			s.logger.Warn("record sync mark", "error", err)
		}
	}

	s.bus.Publish(events.Event{
		Source: events.SourceCatalog,
		Kind:   events.KindSyncComplete,
		Data: map[string]any{
			"devices": len(snap.Devices),
			"areas":   len(snap.Areas),
		},
	})

	return nil
}

// Watch consumes Home Assistant events and schedules debounced resyncs.
// Registry changes always trigger one; state_changed events only when
// the entity is not yet in the snapshot (a new device appearing).
// Blocks until ctx is done or the channel closes.
func (s *Syncer) Watch(ctx context.Context, events <-chan homeassistant.Event) {
	go s.resyncLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if s.wantsResync(ev) {
				select {
				case s.kick <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (s *Syncer) wantsResync(ev homeassistant.Event) bool {
	switch ev.Type {
	case "area_registry_updated", "entity_registry_updated", "device_registry_updated":
		return true
	case "state_changed":
		var data homeassistant.StateChangedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return false
		}
		snap := s.Snapshot()
		if snap == nil {
			return true
		}
		_, known := snap.Device(data.EntityID)
		return !known
	default:
		return false
	}
}

// resyncLoop coalesces kicks within the debounce window into one sync.
func (s *Syncer) resyncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		}

		timer := time.NewTimer(s.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Drain any kicks that arrived during the window.
		select {
		case <-s.kick:
		default:
		}

		if err := s.Sync(ctx); err != nil {
			s.logger.Warn("event-driven resync failed", "error", err)
		}
	}
}
