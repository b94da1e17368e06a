package models

import (
	"encoding/json"

	"github.com/axialops/axplatform/pkg/fsm"
)

// Attribute value types accepted by a fixture class schema.
const (
	AttrTypeInt    = "int"
	AttrTypeString = "string"
	AttrTypeBool   = "bool"
	AttrTypeFloat  = "float"
)

// Attribute schema flags.
const (
	AttrFlagRequired = "required"
	AttrFlagArray    = "array"
)

// AttributeSchema describes one attribute of a fixture class.
type AttributeSchema struct {
	Type      string   `json:"type"`
	Flags     []string `json:"flags,omitempty"`
	Options   []any    `json:"options,omitempty"`
	Default   any      `json:"default,omitempty"`
	OnSuccess string   `json:"on_success,omitempty"`
	OnFailure string   `json:"on_failure,omitempty"`
}

func (a AttributeSchema) HasFlag(flag string) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}

	return false
}

// FixtureClassStatus tracks whether the class template still exists upstream.
type FixtureClassStatus string

const (
	ClassActive       FixtureClassStatus = "ACTIVE"
	ClassDisconnected FixtureClassStatus = "DISCONNECTED"
)

// ClassAction is one named action (create, delete, snapshot, ...) of a class.
// OnSuccess/OnFailure mutate the instance's enabled flag on action terminal.
type ClassAction struct {
	Template   string         `json:"template"`
	Parameters map[string]any `json:"parameters,omitempty"`
	OnSuccess  string         `json:"on_success,omitempty"`
	OnFailure  string         `json:"on_failure,omitempty"`
}

// FixtureClass is a named schema plus action map describing a kind of
// reservable instance.
type FixtureClass struct {
	ID              string                     `json:"id"`
	Name            string                     `json:"name"`
	Description     string                     `json:"description,omitempty"`
	Repo            string                     `json:"repo,omitempty"`
	Branch          string                     `json:"branch,omitempty"`
	Attributes      map[string]AttributeSchema `json:"attributes"`
	Actions         map[string]ClassAction     `json:"actions,omitempty"`
	ActionTemplates map[string]json.RawMessage `json:"action_templates,omitempty"`
	Status          FixtureClassStatus         `json:"status"`
}

// FixtureInstanceStatus is the lifecycle state of an instance.
type FixtureInstanceStatus string

const (
	InstanceInit        FixtureInstanceStatus = "INIT"
	InstanceCreating    FixtureInstanceStatus = "CREATING"
	InstanceCreateError FixtureInstanceStatus = "CREATE_ERROR"
	InstanceActive      FixtureInstanceStatus = "ACTIVE"
	InstanceOperating   FixtureInstanceStatus = "OPERATING"
	InstanceDeleting    FixtureInstanceStatus = "DELETING"
	InstanceDeleteError FixtureInstanceStatus = "DELETE_ERROR"
	InstanceDeleted     FixtureInstanceStatus = "DELETED"
)

// InstanceTransitions is the fixture instance lifecycle graph.
var InstanceTransitions = []fsm.Transition{
	{Trigger: "create", From: fsm.State(InstanceInit), To: fsm.State(InstanceCreating)},
	{Trigger: "mark_active", From: fsm.State(InstanceInit), To: fsm.State(InstanceActive)},
	{Trigger: "mark_deleted", From: fsm.State(InstanceInit), To: fsm.State(InstanceDeleted)},
	{Trigger: "action_success", From: fsm.State(InstanceCreating), To: fsm.State(InstanceActive)},
	{Trigger: "action_failure", From: fsm.State(InstanceCreating), To: fsm.State(InstanceCreateError)},
	{Trigger: "create", From: fsm.State(InstanceCreateError), To: fsm.State(InstanceCreating)},
	{Trigger: "mark_active", From: fsm.State(InstanceCreateError), To: fsm.State(InstanceActive)},
	{Trigger: "mark_deleted", From: fsm.State(InstanceCreateError), To: fsm.State(InstanceDeleted)},
	{Trigger: "delete", From: fsm.State(InstanceCreateError), To: fsm.State(InstanceDeleting)},
	{Trigger: "operate", From: fsm.State(InstanceActive), To: fsm.State(InstanceOperating)},
	{Trigger: "delete", From: fsm.State(InstanceActive), To: fsm.State(InstanceDeleting)},
	{Trigger: "action_success", From: fsm.State(InstanceOperating), To: fsm.State(InstanceActive)},
	{Trigger: "action_failure", From: fsm.State(InstanceOperating), To: fsm.State(InstanceActive)},
	{Trigger: "action_success", From: fsm.State(InstanceDeleting), To: fsm.State(InstanceDeleted)},
	{Trigger: "action_failure", From: fsm.State(InstanceDeleting), To: fsm.State(InstanceDeleteError)},
	{Trigger: "delete", From: fsm.State(InstanceDeleteError), To: fsm.State(InstanceDeleting)},
	{Trigger: "mark_deleted", From: fsm.State(InstanceDeleteError), To: fsm.State(InstanceDeleted)},
}

// InstanceOperation records the in-flight action job on an OPERATING instance.
type InstanceOperation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FixtureInstance is a reservable entity conforming to its class schema.
type FixtureInstance struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	ClassID       string                `json:"class_id"`
	ClassName     string                `json:"class_name"`
	Enabled       bool                  `json:"enabled"`
	DisableReason string                `json:"disable_reason,omitempty"`
	Owner         string                `json:"owner,omitempty"`
	Creator       string                `json:"creator,omitempty"`
	Concurrency   int                   `json:"concurrency"`
	Referrers     Referrers             `json:"referrers"`
	Operation     *InstanceOperation    `json:"operation,omitempty"`
	Attributes    map[string]any        `json:"attributes"`
	Status        FixtureInstanceStatus `json:"status"`
	StatusDetail  map[string]any        `json:"status_detail,omitempty"`
	Ctime         int64                 `json:"ctime"`
	Mtime         int64                 `json:"mtime"`
	Atime         int64                 `json:"atime"`
}

// Reservable reports whether the instance can take a reservation for the
// given service id: enabled, ACTIVE, and either the requester already holds a
// slot or one is free (concurrency 0 means unbounded).
func (i *FixtureInstance) Reservable(serviceID string) bool {
	if !i.Enabled || i.Status != InstanceActive {
		return false
	}

	if i.Referrers.Has(serviceID) {
		return true
	}

	return i.Concurrency == 0 || len(i.Referrers) < i.Concurrency
}

// Flatten returns the instance as the flattened document embedded into a
// request assignment.
func (i *FixtureInstance) Flatten() map[string]any {
	doc := map[string]any{
		"id":         i.ID,
		"name":       i.Name,
		"class_id":   i.ClassID,
		"class_name": i.ClassName,
		"status":     string(i.Status),
	}

	for k, v := range i.Attributes {
		if _, clash := doc[k]; !clash {
			doc[k] = v
		}
	}

	return doc
}
