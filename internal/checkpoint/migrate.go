package checkpoint

import (
	"encoding/json"
	"fmt"

	"job-orchestrator/internal/models"
)

// migrate upgrades a decoded checkpoint to SchemaVersion.
//
// Version 1 files carry no "version" key, store the ledger under "ledger" and the
// scheduler as an "events" list.
func migrate(raw map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	version := 1
	if v, ok := raw["version"]; ok {
		if err := json.Unmarshal(v, &version); err != nil {
			return nil, fmt.Errorf("decode checkpoint version: %w", err)
		}
	}
	switch {
	case version == SchemaVersion:
		return raw, nil
	case version > SchemaVersion || version < 1:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	if _, ok := raw["resources"]; !ok {
		if l, ok := raw["ledger"]; ok {
			raw["resources"] = l
		}
	}
	delete(raw, "ledger")

	if _, ok := raw["scheduler"]; !ok {
		if evs, ok := raw["events"]; ok {
			var list []models.ScheduledEvent
			if err := json.Unmarshal(evs, &list); err != nil {
				return nil, fmt.Errorf("decode v1 events: %w", err)
			}
			byID := make(map[string]models.ScheduledEvent, len(list))
			for _, ev := range list {
				byID[ev.ID] = ev
			}
			enc, err := json.Marshal(byID)
			if err != nil {
				return nil, err
			}
			raw["scheduler"] = enc
		}
	}
	delete(raw, "events")

	v, _ := json.Marshal(SchemaVersion)
	raw["version"] = v
	return raw, nil
}
