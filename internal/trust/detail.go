package trust

import (
	"encoding/json"
	"fmt"
)

// DetailKind discriminates the typed payload attached to a Check.
type DetailKind string

const (
	DetailReachability DetailKind = "reachability"
	DetailProtocol     DetailKind = "protocol"
	DetailLatency      DetailKind = "latency"
	DetailDeclared     DetailKind = "declared_protocols"
	DetailOwner        DetailKind = "owner"
)

// Detail is the closed set of check payloads. Callers switch on Kind (or use a
// type switch) before reading the concrete fields.
type Detail interface {
	Kind() DetailKind
	isDetail()
}

// ReachabilityDetail records the raw outcome of the endpoint probe.
type ReachabilityDetail struct {
	URL        string `json:"url"`
	StatusCode int    `json:"statusCode,omitempty"`
	ElapsedMs  int64  `json:"elapsedMs"`
	Error      string `json:"error,omitempty"`
}

// ProtocolDetail records a protocol detector outcome.
type ProtocolDetail struct {
	Supported    bool     `json:"supported"`
	DocumentURL  string   `json:"documentUrl,omitempty"`
	Tried        []string `json:"tried"`
	AgentName    string   `json:"agentName,omitempty"`
	ServiceCount int      `json:"serviceCount,omitempty"`
}

// LatencyDetail records the response-time check inputs.
type LatencyDetail struct {
	ElapsedMs   int64 `json:"elapsedMs"`
	ThresholdMs int64 `json:"thresholdMs"`
}

// DeclaredDetail records the protocols the agent declares.
type DeclaredDetail struct {
	Protocols []string `json:"protocols"`
}

// OwnerDetail records the externally supplied owner-identity fact.
type OwnerDetail struct {
	OwnerVerified bool `json:"ownerVerified"`
}

func (ReachabilityDetail) Kind() DetailKind { return DetailReachability }
func (ProtocolDetail) Kind() DetailKind     { return DetailProtocol }
func (LatencyDetail) Kind() DetailKind      { return DetailLatency }
func (DeclaredDetail) Kind() DetailKind     { return DetailDeclared }
func (OwnerDetail) Kind() DetailKind        { return DetailOwner }

func (ReachabilityDetail) isDetail() {}
func (ProtocolDetail) isDetail()     {}
func (LatencyDetail) isDetail()      {}
func (DeclaredDetail) isDetail()     {}
func (OwnerDetail) isDetail()        {}

// checkJSON is the wire envelope for Check.
type checkJSON struct {
	Name       CheckName       `json:"name"`
	Status     Status          `json:"status"`
	Message    string          `json:"message"`
	Required   bool            `json:"required"`
	DetailKind DetailKind      `json:"detailKind,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// MarshalJSON writes the envelope plus the kind-tagged detail.
func (c Check) MarshalJSON() ([]byte, error) {
	env := checkJSON{
		Name:     c.Name,
		Status:   c.Status,
		Message:  c.Message,
		Required: c.Required,
	}
	if c.Detail != nil {
		raw, err := json.Marshal(c.Detail)
		if err != nil {
			return nil, fmt.Errorf("marshal %s detail: %w", c.Name, err)
		}
		env.DetailKind = c.Detail.Kind()
		env.Detail = raw
	}
	return json.Marshal(env)
}

// UnmarshalJSON restores a Check, decoding the detail by its kind.
func (c *Check) UnmarshalJSON(data []byte) error {
	var env checkJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	detail, err := decodeDetail(env.DetailKind, env.Detail)
	if err != nil {
		return fmt.Errorf("check %s: %w", env.Name, err)
	}
	*c = Check{
		Name:     env.Name,
		Status:   env.Status,
		Message:  env.Message,
		Required: env.Required,
		Detail:   detail,
	}
	return nil
}

func decodeDetail(kind DetailKind, raw json.RawMessage) (Detail, error) {
	if kind == "" || len(raw) == 0 {
		return nil, nil
	}
	switch kind {
	case DetailReachability:
		var d ReachabilityDetail
		err := json.Unmarshal(raw, &d)
		return d, err
	case DetailProtocol:
		var d ProtocolDetail
		err := json.Unmarshal(raw, &d)
		return d, err
	case DetailLatency:
		var d LatencyDetail
		err := json.Unmarshal(raw, &d)
		return d, err
	case DetailDeclared:
		var d DeclaredDetail
		err := json.Unmarshal(raw, &d)
		return d, err
	case DetailOwner:
		var d OwnerDetail
		err := json.Unmarshal(raw, &d)
		return d, err
	default:
		return nil, fmt.Errorf("unknown detail kind %q", kind)
	}
}
