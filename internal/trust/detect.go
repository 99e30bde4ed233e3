package trust

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"
)

// Well-known discovery document paths, tried in order.
var (
	AgentCardPaths = []string{
		"/.well-known/agent-card.json",
		"/.well-known/agent.json",
	}
	RegistrationPaths = []string{
		"/.well-known/agent-registration.json",
		"/.well-known/registration.json",
	}
)

var errMissingHost = errors.New("endpoint must be an absolute URL")

// Detector describes one optional protocol document: where to look for it and
// how to recognize it.
type Detector struct {
	Name  string
	Paths []string
	// accept inspects a decoded document and reports whether it carries the
	// marker fields of this protocol.
	accept func(doc map[string]any) (agentName string, services int, ok bool)
}

// AgentCardDetector finds an A2A agent card. The card must carry a name, an
// identifier, or a capabilities object.
var AgentCardDetector = Detector{
	Name:  "agent_card",
	Paths: AgentCardPaths,
	accept: func(doc map[string]any) (string, int, bool) {
		name := nonEmptyString(doc["name"])
		if name != "" {
			return name, 0, true
		}
		if nonEmptyString(doc["id"]) != "" || nonEmptyString(doc["identifier"]) != "" {
			return "", 0, true
		}
		switch doc["capabilities"].(type) {
		case map[string]any, []any:
			return "", 0, true
		}
		return "", 0, false
	},
}

// RegistrationDetector finds an agent registration document, recognized by a
// services list ("endpoints" is accepted as an alias).
var RegistrationDetector = Detector{
	Name:  "registration",
	Paths: RegistrationPaths,
	accept: func(doc map[string]any) (string, int, bool) {
		name := nonEmptyString(doc["name"])
		if services, ok := doc["services"].([]any); ok {
			return name, len(services), true
		}
		if endpoints, ok := doc["endpoints"].([]any); ok {
			return name, len(endpoints), true
		}
		return name, 0, false
	},
}

// Detection is the outcome of running a Detector against an endpoint.
type Detection struct {
	Supported    bool
	DocumentURL  string
	Tried        []string
	AgentName    string
	ServiceCount int
	// Last is the probe result of the final candidate tried.
	Last ProbeResult
	// Skipped is set when no candidate was requested because the host's
	// circuit was open.
	Skipped bool
}

func skippedDetection() Detection {
	return Detection{
		Tried:   []string{},
		Last:    ProbeResult{Error: errCircuitOpen},
		Skipped: true,
	}
}

// Detail converts the detection into its check payload.
func (d Detection) Detail() ProtocolDetail {
	return ProtocolDetail{
		Supported:    d.Supported,
		DocumentURL:  d.DocumentURL,
		Tried:        d.Tried,
		AgentName:    d.AgentName,
		ServiceCount: d.ServiceCount,
	}
}

// Detect tries each candidate path of d under endpoint, in order, and stops at
// the first one that answers 2xx with a parseable document carrying the
// protocol marker. Anything else reports Supported=false.
func (p *Prober) Detect(ctx context.Context, d Detector, endpoint string, timeout time.Duration) Detection {
	det := Detection{Tried: make([]string, 0, len(d.Paths))}

	for _, path := range d.Paths {
		target, err := joinPath(endpoint, path)
		if err != nil {
			break
		}
		det.Tried = append(det.Tried, target)

		res, body := p.fetch(ctx, d.Name, target, timeout)
		det.Last = res
		if !res.Reachable {
			continue
		}

		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
			continue
		}
		name, services, ok := d.accept(doc)
		if !ok {
			continue
		}

		det.Supported = true
		det.DocumentURL = target
		det.AgentName = name
		det.ServiceCount = services
		return det
	}

	return det
}

// joinPath appends a well-known path to the endpoint, keeping any base path
// the endpoint already has and dropping its query.
func joinPath(endpoint, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", &url.Error{Op: "parse", URL: endpoint, Err: errMissingHost}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func nonEmptyString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
