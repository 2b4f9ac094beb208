package engine

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// SourceKind tells where the autofill value of a column comes from.
type SourceKind int

const (
	// SourceSubscription values are pushed over a publish/subscribe bus.
	SourceSubscription SourceKind = iota
	// SourceDevice values are queried from an instrument on demand.
	SourceDevice
)

// DeviceScheme is the descriptor scheme of instrument-bound columns.
const DeviceScheme = "toptica"

// Aggregate is how a windowed series is reduced to one value.
type Aggregate int

const (
	AggregateNone Aggregate = iota
	AggregateMean
)

// Binding is the autofill descriptor of one column, parsed from the
// metadata row of a logbook file.
type Binding struct {
	Column     int
	ColumnName string
	Source     SourceKind
	// Scheme is the descriptor scheme, e.g. "mqtt", "kafka" or "toptica".
	Scheme string
	// Topic is set for subscription bindings.
	Topic string
	// Host, Port and Query are set for device bindings.
	Host  string
	Port  int
	Query string

	Aggregate Aggregate
}

// Endpoint returns "host:port" for device bindings.
func (b Binding) Endpoint() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// String renders the binding in descriptor form.
func (b Binding) String() string {
	if b.Source == SourceDevice {
		return fmt.Sprintf("%s://%s:%d/%s", b.Scheme, b.Host, b.Port, b.Query)
	}
	return b.Scheme + "://" + b.Topic
}

// ParseBinding parses a descriptor of the form
//
//	toptica://<ip>:<port>/<query>
//	<scheme>://<topic>
//
// Topics containing windowMarker are averaged over their recent samples.
func ParseBinding(column int, name, descriptor, windowMarker string) (Binding, error) {
	b := Binding{Column: column, ColumnName: name}
	scheme, rest, found := strings.Cut(strings.TrimSpace(descriptor), "://")
	if !found || scheme == "" || rest == "" || strings.Contains(rest, "://") {
		return b, fmt.Errorf("column %q: malformed descriptor %q", name, descriptor)
	}
	b.Scheme = scheme

	if scheme != DeviceScheme {
		b.Source = SourceSubscription
		b.Topic = rest
		if windowMarker != "" && strings.Contains(rest, windowMarker) {
			b.Aggregate = AggregateMean
		}
		return b, nil
	}

	b.Source = SourceDevice
	host, portAndQuery, ok := strings.Cut(rest, ":")
	if !ok || host == "" {
		return b, fmt.Errorf("column %q: device descriptor %q lacks host:port", name, descriptor)
	}
	port, query, ok := strings.Cut(portAndQuery, "/")
	if !ok || query == "" {
		return b, fmt.Errorf("column %q: device descriptor %q lacks query", name, descriptor)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return b, fmt.Errorf("column %q: bad port in %q", name, descriptor)
	}
	b.Host, b.Port, b.Query = host, p, query
	return b, nil
}

// ParseBindings parses a whole metadata row. Empty cells carry no binding.
// Cells that do not parse are reported in errs and otherwise ignored.
func ParseBindings(schema *Schema, meta []string, windowMarker string) (bindings []Binding, errs []error) {
	for i, cell := range meta {
		if i >= schema.Len() || strings.TrimSpace(cell) == "" {
			continue
		}
		b, err := ParseBinding(i, schema.Column(i).Name, cell, windowMarker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bindings = append(bindings, b)
	}
	return bindings, errs
}

// SubscriptionTopics lists the distinct topics bound under the given scheme.
func SubscriptionTopics(bindings []Binding, scheme string) []string {
	var topics []string
	seen := make(map[string]bool)
	for _, b := range bindings {
		if b.Source != SourceSubscription || b.Scheme != scheme || seen[b.Topic] {
			continue
		}
		seen[b.Topic] = true
		topics = append(topics, b.Topic)
	}
	return topics
}
