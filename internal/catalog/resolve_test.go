package catalog

import "testing"

func testSnapshot() *Snapshot {
	return &Snapshot{
		Devices: []Device{
			{EntityID: "light.living_room_lamp", Name: "Living Room Lamp", Domain: "light", Area: "Living Room"},
			{EntityID: "light.kitchen_ceiling", Name: "Kitchen Ceiling", Domain: "light", Area: "Kitchen"},
			{EntityID: "light.office_desk", Name: "Desk Lamp", Domain: "light", Area: "Home Office"},
			{EntityID: "switch.fan", Name: "Bedroom Fan", Domain: "switch", Area: "Bedroom"},
			{EntityID: "media_player.tv", Name: "TV", Domain: "media_player", Area: "Living Room"},
		},
		Areas: []Area{
			{AreaID: "living_room", Name: "Living Room"},
			{AreaID: "kitchen", Name: "Kitchen"},
			{AreaID: "home_office", Name: "Home Office"},
			{AreaID: "bedroom", Name: "Bedroom"},
		},
	}
}

func TestNormalizeArea(t *testing.T) {
	forms := []string{"Living Room", "living_room", "livingroom", "LIVING ROOM"}
	for _, f := range forms {
		if got := NormalizeArea(f); got != "livingroom" {
			t.Errorf("NormalizeArea(%q) = %q, want livingroom", f, got)
		}
	}

	// Idempotence: normalizing a normalized value is a no-op.
	once := NormalizeArea("Living Room")
	if NormalizeArea(once) != once {
		t.Errorf("NormalizeArea not idempotent: %q", once)
	}
}

func TestResolveEntitiesRoomPhrase(t *testing.T) {
	snap := testSnapshot()
	got := ResolveEntities("turn on the lights in the living room", snap)

	if len(got) == 0 {
		t.Fatal("no devices resolved")
	}
	found := false
	for _, d := range got {
		if d.EntityID == "light.living_room_lamp" {
			found = true
		}
		if d.EntityID == "light.kitchen_ceiling" {
			t.Errorf("kitchen device resolved for living room command")
		}
	}
	if !found {
		t.Error("living room lamp not resolved")
	}
}

func TestResolveEntitiesDirectMention(t *testing.T) {
	snap := testSnapshot()
	got := ResolveEntities("switch off the desk lamp please", snap)

	found := false
	for _, d := range got {
		if d.EntityID == "light.office_desk" {
			found = true
		}
	}
	if !found {
		t.Error("direct name mention did not resolve desk lamp")
	}
}

func TestResolveEntitiesAbbreviation(t *testing.T) {
	// "office" abbreviates "Home Office"; containment runs both ways.
	snap := testSnapshot()
	got := ResolveEntities("turn on the office lights", snap)

	found := false
	for _, d := range got {
		if d.EntityID == "light.office_desk" {
			found = true
		}
	}
	if !found {
		t.Error("abbreviated area did not resolve office device")
	}
}

func TestResolveEntitiesNoMatch(t *testing.T) {
	snap := testSnapshot()
	if got := ResolveEntities("play some jazz", snap); len(got) != 0 {
		t.Errorf("resolved %d devices for unrelated command", len(got))
	}
}

func TestResolveEntitiesCatalogOrder(t *testing.T) {
	snap := testSnapshot()
	got := ResolveEntities("everything in the living room", snap)

	if len(got) < 2 {
		t.Fatalf("got %d devices, want at least 2", len(got))
	}
	if got[0].EntityID != "light.living_room_lamp" || got[len(got)-1].EntityID != "media_player.tv" {
		t.Errorf("results not in catalog order: %+v", got)
	}
}

func TestResolveEntitiesNilSnapshot(t *testing.T) {
	if got := ResolveEntities("turn on the lights", nil); got != nil {
		t.Errorf("nil snapshot should resolve nothing, got %+v", got)
	}
}

func TestResolveAreas(t *testing.T) {
	snap := testSnapshot()

	got := ResolveAreas("turn on the lights in the kitchen", snap)
	if len(got) != 1 || got[0].AreaID != "kitchen" {
		t.Errorf("areas = %+v, want kitchen", got)
	}

	// A bare trailing word still matches an area.
	got = ResolveAreas("lights on office", snap)
	found := false
	for _, a := range got {
		if a.AreaID == "home_office" {
			found = true
		}
	}
	if !found {
		t.Errorf("bare word did not resolve office area: %+v", got)
	}
}

func TestResolveAreasShortWordsIgnored(t *testing.T) {
	snap := testSnapshot()
	// Two-letter words are never candidates on their own.
	got := ResolveAreas("on", snap)
	if len(got) != 0 {
		t.Errorf("short word resolved areas: %+v", got)
	}
}

func TestSnapshotDevicesInDomain(t *testing.T) {
	snap := testSnapshot()
	lights := snap.DevicesInDomain("light")
	if len(lights) != 3 {
		t.Errorf("got %d lights, want 3", len(lights))
	}
	if none := snap.DevicesInDomain("vacuum"); len(none) != 0 {
		t.Errorf("got %d vacuums, want 0", len(none))
	}
}
