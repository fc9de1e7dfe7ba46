package model

import (
	"encoding/json"
	"fmt"
	"maps"
)

// OperationKind tags the variant carried by an Operation.
type OperationKind string

const (
	OpAccess      OperationKind = "access"
	OpState       OperationKind = "state"
	OpObservation OperationKind = "observation"
)

type AccessAction string

const (
	AccessNavigate AccessAction = "navigate"
	AccessSelect   AccessAction = "select"
)

type StateAction string

const (
	StateCreate StateAction = "create"
	StateUpdate StateAction = "update"
	StateDelete StateAction = "delete"
)

// Operation is a declarative instruction. Exactly one of Access, State,
// Observation is set and it must agree with Kind.
type Operation struct {
	Kind        OperationKind  `json:"kind" yaml:"kind"`
	Access      *AccessOp      `json:"access,omitempty" yaml:"access,omitempty"`
	State       *StateOp       `json:"state,omitempty" yaml:"state,omitempty"`
	Observation *ObservationOp `json:"observation,omitempty" yaml:"observation,omitempty"`
}

// AccessOp navigates to or selects a resource. It never mutates.
type AccessOp struct {
	Action       AccessAction `json:"action" yaml:"action"`
	ResourceType string       `json:"resource_type,omitempty" yaml:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	URL          string       `json:"url,omitempty" yaml:"url,omitempty"`
}

// StateOp creates, updates or deletes a resource.
type StateOp struct {
	Action       StateAction    `json:"action" yaml:"action"`
	ResourceType string         `json:"resource_type" yaml:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	Data         map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// ObservationOp is a read-only query.
type ObservationOp struct {
	ResourceType string         `json:"resource_type" yaml:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	Query        map[string]any `json:"query,omitempty" yaml:"query,omitempty"`
}

func NewAccess(op AccessOp) Operation {
	return Operation{Kind: OpAccess, Access: &op}
}

func NewState(op StateOp) Operation {
	return Operation{Kind: OpState, State: &op}
}

func NewObservation(op ObservationOp) Operation {
	return Operation{Kind: OpObservation, Observation: &op}
}

// Validate checks the tag/payload agreement and the per-variant required fields.
func (o Operation) Validate() error {
	set := 0
	if o.Access != nil {
		set++
	}
	if o.State != nil {
		set++
	}
	if o.Observation != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("operation must carry exactly one variant, got %d", set)
	}

	switch o.Kind {
	case OpAccess:
		if o.Access == nil {
			return fmt.Errorf("kind %q without access payload", o.Kind)
		}
		switch o.Access.Action {
		case AccessNavigate:
			if o.Access.URL == "" {
				return fmt.Errorf("navigate requires url")
			}
		case AccessSelect:
			if o.Access.ResourceType == "" || o.Access.ResourceID == "" {
				return fmt.Errorf("select requires resource_type and resource_id")
			}
		default:
			return fmt.Errorf("unknown access action %q", o.Access.Action)
		}
	case OpState:
		if o.State == nil {
			return fmt.Errorf("kind %q without state payload", o.Kind)
		}
		if o.State.ResourceType == "" {
			return fmt.Errorf("state operation requires resource_type")
		}
		switch o.State.Action {
		case StateCreate:
		case StateUpdate, StateDelete:
			if o.State.ResourceID == "" {
				return fmt.Errorf("%s requires resource_id", o.State.Action)
			}
		default:
			return fmt.Errorf("unknown state action %q", o.State.Action)
		}
	case OpObservation:
		if o.Observation == nil {
			return fmt.Errorf("kind %q without observation payload", o.Kind)
		}
		if o.Observation.ResourceType == "" {
			return fmt.Errorf("observation requires resource_type")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	return nil
}

// Action returns the variant's action verb ("navigate", "create", "query", ...).
func (o Operation) Action() string {
	switch o.Kind {
	case OpAccess:
		if o.Access != nil {
			return string(o.Access.Action)
		}
	case OpState:
		if o.State != nil {
			return string(o.State.Action)
		}
	case OpObservation:
		return "query"
	}
	return ""
}

// Target returns the resource type and id the operation addresses.
func (o Operation) Target() (resourceType, resourceID string) {
	switch o.Kind {
	case OpAccess:
		if o.Access != nil {
			return o.Access.ResourceType, o.Access.ResourceID
		}
	case OpState:
		if o.State != nil {
			return o.State.ResourceType, o.State.ResourceID
		}
	case OpObservation:
		if o.Observation != nil {
			return o.Observation.ResourceType, o.Observation.ResourceID
		}
	}
	return "", ""
}

func (o Operation) IsMutation() bool {
	return o.Kind == OpState
}

func (o Operation) IsDestructive() bool {
	return o.Kind == OpState && o.State != nil && o.State.Action == StateDelete
}

// Clone returns a deep copy so parameter edits never leak into a stored plan.
func (o Operation) Clone() Operation {
	out := Operation{Kind: o.Kind}
	if o.Access != nil {
		a := *o.Access
		out.Access = &a
	}
	if o.State != nil {
		s := *o.State
		s.Data = cloneMap(o.State.Data)
		out.State = &s
	}
	if o.Observation != nil {
		ob := *o.Observation
		ob.Query = cloneMap(o.Observation.Query)
		out.Observation = &ob
	}
	return out
}

// WithParams applies human-supplied replacement parameters (checkpoint "modify").
// Known keys address the variant fields; state data and observation query keys are merged.
func (o Operation) WithParams(params map[string]any) (Operation, error) {
	out := o.Clone()
	str := func(key string) (string, bool, error) {
		v, ok := params[key]
		if !ok {
			return "", false, nil
		}
		s, ok := v.(string)
		if !ok {
			return "", false, fmt.Errorf("param %q must be a string", key)
		}
		return s, true, nil
	}

	switch out.Kind {
	case OpAccess:
		if s, ok, err := str("resource_id"); err != nil {
			return o, err
		} else if ok {
			out.Access.ResourceID = s
		}
		if s, ok, err := str("url"); err != nil {
			return o, err
		} else if ok {
			out.Access.URL = s
		}
	case OpState:
		if s, ok, err := str("resource_id"); err != nil {
			return o, err
		} else if ok {
			out.State.ResourceID = s
		}
		if data, ok := params["data"].(map[string]any); ok {
			if out.State.Data == nil {
				out.State.Data = map[string]any{}
			}
			maps.Copy(out.State.Data, data)
		}
	case OpObservation:
		if s, ok, err := str("resource_id"); err != nil {
			return o, err
		} else if ok {
			out.Observation.ResourceID = s
		}
		if q, ok := params["query"].(map[string]any); ok {
			if out.Observation.Query == nil {
				out.Observation.Query = map[string]any{}
			}
			maps.Copy(out.Observation.Query, q)
		}
	}
	return out, out.Validate()
}

func (o Operation) String() string {
	typ, id := o.Target()
	if o.Kind == OpAccess && o.Access != nil && o.Access.Action == AccessNavigate {
		return fmt.Sprintf("navigate(%s)", o.Access.URL)
	}
	if id == "" {
		return fmt.Sprintf("%s(%s)", o.Action(), typ)
	}
	return fmt.Sprintf("%s(%s,%s)", o.Action(), typ, id)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	// JSON round trip gives a deep copy of nested maps and slices.
	data, err := json.Marshal(m)
	if err != nil {
		return maps.Clone(m)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return maps.Clone(m)
	}
	return out
}
