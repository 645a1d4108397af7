package registry

import (
	"context"
	"math"
	"strings"

	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/events"
	"github.com/npezzotti/go-huddle/internal/types"
)

var protectedSettings = map[string]bool{
	"id":           true,
	"participants": true,
	"createdAt":    true,
	"expiresAt":    true,
	"version":      true,
	"seq":          true,
}

// ApplySettingsUpdate validates patch and writes it to the room. Only name,
// capacity, type and isLocked may change. The normalized settings that were
// applied are returned alongside the committed room.
func (r *Registry) ApplySettingsUpdate(ctx context.Context, roomId string, patch map[string]any) (types.Room, map[string]any, error) {
	applied, err := normalizeSettings(patch)
	if err != nil {
		return types.Room{}, nil, err
	}

	room, _, err := r.Update(ctx, roomId, func(room *types.Room) (*events.Event, error) {
		if v, ok := applied["capacity"]; ok {
			capacity := v.(int)
			if capacity < len(room.Participants) {
				return nil, apperr.Validation("capacity %d is below the %d participants in the room", capacity, len(room.Participants))
			}
			room.Capacity = capacity
		}
		if v, ok := applied["name"]; ok {
			room.Name = v.(string)
		}
		if v, ok := applied["type"]; ok {
			room.Type = v.(string)
		}
		if v, ok := applied["isLocked"]; ok {
			room.IsLocked = v.(bool)
		}

		return events.Settings(room.Id, applied), nil
	})
	if err != nil {
		return types.Room{}, nil, err
	}

	r.log.Info().Str("room_id", roomId).Interface("settings", applied).Msg("room settings updated")
	return room, applied, nil
}

func normalizeSettings(patch map[string]any) (map[string]any, error) {
	if len(patch) == 0 {
		return nil, apperr.Validation("settings are required")
	}

	applied := make(map[string]any, len(patch))
	for key, value := range patch {
		if protectedSettings[key] {
			return nil, apperr.Validation("setting %q cannot be updated", key)
		}

		switch key {
		case "name":
			name, ok := value.(string)
			if !ok {
				return nil, apperr.Validation("name must be a string")
			}
			name = strings.TrimSpace(name)
			if err := validateName(name); err != nil {
				return nil, err
			}
			applied[key] = name
		case "capacity":
			capacity, ok := toInt(value)
			if !ok {
				return nil, apperr.Validation("capacity must be an integer")
			}
			if err := validateCapacity(capacity); err != nil {
				return nil, err
			}
			applied[key] = capacity
		case "type":
			t, ok := value.(string)
			if !ok {
				return nil, apperr.Validation("type must be a string")
			}
			if err := validateType(t); err != nil {
				return nil, err
			}
			applied[key] = t
		case "isLocked":
			locked, ok := value.(bool)
			if !ok {
				return nil, apperr.Validation("isLocked must be a boolean")
			}
			applied[key] = locked
		default:
			return nil, apperr.Validation("unknown setting %q", key)
		}
	}

	return applied, nil
}

// toInt accepts the numeric forms a decoded JSON patch can carry.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
