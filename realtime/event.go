package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jrsteele09/go-listsync/internal/errors"
)

// ChangeType is what happened to the entity named by an Event.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
	ChangeUpdated ChangeType = "updated"
)

// Event is a server-pushed change notification. It is an invalidation hint:
// the entity itself must be re-fetched through the request pipeline.
type Event struct {
	EntityKind  string     `json:"entityKind"`
	EntityID    string     `json:"entityId"`
	ChangeType  ChangeType `json:"changeType"`
	Actor       string     `json:"actor"`
	Description string     `json:"description"`

	// Set by the subscriber, not the server.
	Kind    Kind   `json:"-"`
	ScopeID string `json:"-"`
}

// Handler receives events for the active scope.
type Handler func(Event)

// ParseEvent decodes a MESSAGE body. Change types are accepted in any case.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("[ParseEvent] %w: %w", errors.ErrMalformedPush, err)
	}
	if ev.EntityKind == "" || ev.EntityID == "" {
		return Event{}, fmt.Errorf("[ParseEvent] missing entity kind or id: %w", errors.ErrMalformedPush)
	}
	ev.ChangeType = ChangeType(strings.ToLower(string(ev.ChangeType)))
	switch ev.ChangeType {
	case ChangeAdded, ChangeRemoved, ChangeUpdated:
	default:
		return Event{}, fmt.Errorf("[ParseEvent] unknown change type %q: %w", ev.ChangeType, errors.ErrMalformedPush)
	}
	return ev, nil
}
