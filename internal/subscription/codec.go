package subscription

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Extension URLs of the R4B subscriptions backport. Authored Subscription
// documents carry topic filters and channel tuning in these extensions.
const (
	extFilterCriteria  = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-filter-criteria"
	extHeartbeatPeriod = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-heartbeat-period"
	extTimeout         = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-timeout"
	extMaxCount        = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-max-count"
	extPayloadContent  = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-payload-content"
)

// ParseResource decodes an authored Subscription document into a Definition.
// The topic canonical URL travels in criteria; filters travel as
// backport-filter-criteria extensions on criteria; channel tuning travels as
// channel extensions.
func ParseResource(doc map[string]interface{}) (Definition, error) {
	var def Definition
	if rt, _ := doc["resourceType"].(string); rt != "Subscription" {
		return def, fmt.Errorf("expected a Subscription document, got %q", rt)
	}
	criteria, _ := doc["criteria"].(string)
	if criteria == "" {
		return def, fmt.Errorf("criteria is required and must hold the topic canonical URL")
	}
	def.TopicURL = criteria

	if under, ok := doc["_criteria"].(map[string]interface{}); ok {
		for _, raw := range extensionValues(under, extFilterCriteria) {
			s, _ := raw.(string)
			if s == "" {
				continue
			}
			rt, filters, err := parseFilterCriteria(s)
			if err != nil {
				return def, err
			}
			if def.Filters == nil {
				def.Filters = make(map[string][]Filter)
			}
			def.Filters[rt] = append(def.Filters[rt], filters...)
		}
	}

	channel, ok := doc["channel"].(map[string]interface{})
	if !ok {
		return def, fmt.Errorf("channel is required")
	}
	def.Channel.Code, _ = channel["type"].(string)
	def.Channel.Endpoint, _ = channel["endpoint"].(string)
	def.Channel.ContentType, _ = channel["payload"].(string)

	if under, ok := channel["_payload"].(map[string]interface{}); ok {
		for _, raw := range extensionValues(under, extPayloadContent) {
			if s, _ := raw.(string); s != "" {
				def.Channel.ContentLevel = ContentLevel(s)
			}
		}
	}
	if headers, ok := channel["header"].([]interface{}); ok {
		for _, raw := range headers {
			line, _ := raw.(string)
			name, value, found := strings.Cut(line, ":")
			if !found {
				return def, fmt.Errorf("channel header %q is not in Name: value form", line)
			}
			if def.Channel.Headers == nil {
				def.Channel.Headers = make(map[string]string)
			}
			def.Channel.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	for _, raw := range extensionValues(channel, extHeartbeatPeriod) {
		if n, ok := raw.(float64); ok {
			def.Channel.HeartbeatSeconds = int(n)
		}
	}
	for _, raw := range extensionValues(channel, extTimeout) {
		if n, ok := raw.(float64); ok {
			def.Channel.TimeoutSeconds = int(n)
		}
	}
	for _, raw := range extensionValues(channel, extMaxCount) {
		if n, ok := raw.(float64); ok {
			def.Channel.MaxEventsPerNotification = int(n)
		}
	}
	return def, nil
}

// RenderResource encodes a subscription back into the authored document
// shape, including its assigned id and lifecycle state.
func RenderResource(snap Snapshot) map[string]interface{} {
	doc := map[string]interface{}{
		"resourceType": "Subscription",
		"id":           snap.ID,
		"status":       string(snap.State),
		"criteria":     snap.Def.TopicURL,
	}
	if snap.StateReason != "" {
		doc["reason"] = snap.StateReason
	}
	if !snap.CreatedAt.IsZero() {
		doc["meta"] = map[string]interface{}{
			"lastUpdated": snap.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	if len(snap.Def.Filters) > 0 {
		var exts []interface{}
		for _, rt := range sortedKeys(snap.Def.Filters) {
			for _, s := range renderFilterCriteria(rt, snap.Def.Filters[rt]) {
				exts = append(exts, map[string]interface{}{
					"url":         extFilterCriteria,
					"valueString": s,
				})
			}
		}
		doc["_criteria"] = map[string]interface{}{"extension": exts}
	}

	ch := snap.Def.Channel
	channel := map[string]interface{}{
		"type": ch.Code,
	}
	if ch.Endpoint != "" {
		channel["endpoint"] = ch.Endpoint
	}
	if ch.ContentType != "" {
		channel["payload"] = ch.ContentType
	}
	if ch.ContentLevel != "" {
		channel["_payload"] = map[string]interface{}{
			"extension": []interface{}{
				map[string]interface{}{"url": extPayloadContent, "valueCode": string(ch.ContentLevel)},
			},
		}
	}
	if len(ch.Headers) > 0 {
		var headers []interface{}
		for _, name := range sortedHeaderNames(ch.Headers) {
			headers = append(headers, name+": "+ch.Headers[name])
		}
		channel["header"] = headers
	}
	var chExts []interface{}
	if ch.HeartbeatSeconds > 0 {
		chExts = append(chExts, map[string]interface{}{"url": extHeartbeatPeriod, "valueUnsignedInt": float64(ch.HeartbeatSeconds)})
	}
	if ch.TimeoutSeconds > 0 {
		chExts = append(chExts, map[string]interface{}{"url": extTimeout, "valueUnsignedInt": float64(ch.TimeoutSeconds)})
	}
	if ch.MaxEventsPerNotification > 0 {
		chExts = append(chExts, map[string]interface{}{"url": extMaxCount, "valuePositiveInt": float64(ch.MaxEventsPerNotification)})
	}
	if len(chExts) > 0 {
		channel["extension"] = chExts
	}
	doc["channel"] = channel
	return doc
}

// parseFilterCriteria decodes a "ResourceType?name=value&..." filter string.
// A missing resource type segment applies the filters to every focus type.
// Names may carry a ":modifier" suffix; values may carry an ordering prefix
// (eq, ne, gt, ge, lt, le).
func parseFilterCriteria(s string) (string, []Filter, error) {
	resourceType := "*"
	query := s
	if before, after, found := strings.Cut(s, "?"); found {
		if before != "" {
			resourceType = before
		}
		query = after
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", nil, fmt.Errorf("filter criteria %q: %w", s, err)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var filters []Filter
	for _, name := range names {
		base, modifier, _ := strings.Cut(name, ":")
		if base == "" {
			return "", nil, fmt.Errorf("filter criteria %q has an empty parameter name", s)
		}
		for _, value := range values[name] {
			comparator, rest := splitComparatorPrefix(value)
			filters = append(filters, Filter{
				Name:       base,
				Modifier:   modifier,
				Comparator: comparator,
				Value:      rest,
			})
		}
	}
	return resourceType, filters, nil
}

func renderFilterCriteria(resourceType string, filters []Filter) []string {
	var parts []string
	for _, f := range filters {
		name := f.Name
		if f.Modifier != "" {
			name += ":" + f.Modifier
		}
		value := f.Value
		if f.Comparator != "" && f.Comparator != "eq" {
			value = f.Comparator + value
		}
		parts = append(parts, name+"="+url.QueryEscape(value))
	}
	if len(parts) == 0 {
		return nil
	}
	prefix := ""
	if resourceType != "*" {
		prefix = resourceType
	}
	return []string{prefix + "?" + strings.Join(parts, "&")}
}

var comparatorPrefixes = []string{"eq", "ne", "gt", "ge", "lt", "le"}

// splitComparatorPrefix peels an ordering prefix off a filter value. Only
// values that look numeric or date-like after the prefix are treated as
// prefixed, so "network" stays a plain string.
func splitComparatorPrefix(value string) (string, string) {
	if len(value) < 3 {
		return "", value
	}
	for _, p := range comparatorPrefixes {
		if strings.HasPrefix(value, p) {
			rest := value[2:]
			if rest[0] >= '0' && rest[0] <= '9' || rest[0] == '-' {
				return p, rest
			}
		}
	}
	return "", value
}

func extensionValues(container map[string]interface{}, url string) []interface{} {
	exts, _ := container["extension"].([]interface{})
	var out []interface{}
	for _, raw := range exts {
		ext, ok := raw.(map[string]interface{})
		if !ok || ext["url"] != url {
			continue
		}
		for _, key := range []string{"valueString", "valueCode", "valueUri", "valueCanonical", "valueUnsignedInt", "valuePositiveInt", "valueInteger"} {
			if v, ok := ext[key]; ok {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

func sortedKeys(m map[string][]Filter) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedHeaderNames(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
