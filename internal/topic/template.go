package topic

import (
	"regexp"
	"strings"
	"time"

	"github.com/nfrund/sphere/internal/errs"
)

// Wildcard is the marker an unbound parameter carries. It matches exactly one
// topic level.
const Wildcard = "+"

// MultiLevel matches any number of trailing topic levels.
const MultiLevel = "#"

const separator = "/"

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segAnon
	segMulti
)

type segment struct {
	kind segmentKind
	text string
}

// compiled is the immutable part of a template shared by every bound copy.
type compiled struct {
	raw      string
	segments []segment
	names    []string
	pattern  *regexp.Regexp
}

// Template is a parsed topic such as "$device/:device/channel/:channel".
//
// Templates are immutable. Binding a parameter or changing the delivery
// config returns a new Template that shares the parsed structure, so the
// setters stay cheap on the publish path.
type Template struct {
	c        *compiled
	bindings map[string]string
	qos      byte
	retain   bool
	timeout  time.Duration
}

// Option configures a Template at parse time.
type Option func(*Template)

// QoS sets the transport quality-of-service level.
func QoS(level byte) Option {
	return func(t *Template) { t.qos = level }
}

// Retain sets the transport retain flag for published messages.
func Retain(retain bool) Option {
	return func(t *Template) { t.retain = retain }
}

// Timeout sets how long a correlated request waits for its reply. Zero waits
// forever.
func Timeout(d time.Duration) Option {
	return func(t *Template) { t.timeout = d }
}

// Params pre-binds parameters. Invalid values make Parse fail.
func Params(values map[string]string) Option {
	return func(t *Template) {
		for k, v := range values {
			t.bindings[k] = v
		}
	}
}

// Parse compiles a topic template. Segments starting with ':' are named
// parameters, '+' is an anonymous single-level wildcard and a trailing '#'
// matches any remaining levels.
func Parse(raw string, opts ...Option) (*Template, error) {
	const op = "topic.Parse"
	if strings.TrimSpace(raw) == "" {
		return nil, errs.New(errs.MalformedTemplate, op, "template is empty")
	}

	parts := strings.Split(raw, separator)
	c := &compiled{raw: raw, segments: make([]segment, 0, len(parts))}
	seen := make(map[string]bool)

	for i, p := range parts {
		switch {
		case p == MultiLevel:
			if i != len(parts)-1 {
				return nil, errs.New(errs.MalformedTemplate, op, "%q: '#' must be the last level", raw)
			}
			c.segments = append(c.segments, segment{kind: segMulti})
		case p == Wildcard:
			c.segments = append(c.segments, segment{kind: segAnon})
		case strings.HasPrefix(p, ":"):
			name := p[1:]
			if name == "" {
				return nil, errs.New(errs.MalformedTemplate, op, "%q: parameter at level %d has no name", raw, i)
			}
			if seen[name] {
				return nil, errs.New(errs.MalformedTemplate, op, "%q: duplicate parameter %q", raw, name)
			}
			seen[name] = true
			c.names = append(c.names, name)
			c.segments = append(c.segments, segment{kind: segParam, text: name})
		default:
			if strings.ContainsAny(p, "+#") {
				return nil, errs.New(errs.MalformedTemplate, op, "%q: wildcard inside level %q", raw, p)
			}
			c.segments = append(c.segments, segment{kind: segLiteral, text: p})
		}
	}
	c.pattern = regexp.MustCompile(buildPattern(c.segments))

	t := &Template{c: c, bindings: make(map[string]string, len(c.names))}
	for _, name := range c.names {
		t.bindings[name] = Wildcard
	}
	for _, opt := range opts {
		opt(t)
	}
	for k, v := range t.bindings {
		if !seen[k] {
			return nil, errs.New(errs.InvalidParameter, op, "%q has no parameter %q", raw, k)
		}
		if err := checkValue(k, v); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// MustParse is like Parse but panics on error. Use for static topics.
func MustParse(raw string, opts ...Option) *Template {
	t, err := Parse(raw, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// buildPattern turns segments into an anchored regexp. Literal levels are
// quoted so a leading '$' stays literal.
func buildPattern(segs []segment) string {
	var b strings.Builder
	b.WriteString("^")
	for i, s := range segs {
		if s.kind == segMulti {
			if i == 0 {
				b.WriteString(".*")
			} else {
				b.WriteString("(?:/.*)?")
			}
			break
		}
		if i > 0 {
			b.WriteString(separator)
		}
		switch s.kind {
		case segLiteral:
			b.WriteString(regexp.QuoteMeta(s.text))
		case segParam:
			b.WriteString("([^/]+)")
		case segAnon:
			b.WriteString("[^/]+")
		}
	}
	b.WriteString("$")
	return b.String()
}

func checkValue(name, value string) error {
	const op = "topic.With"
	if value == "" {
		return errs.New(errs.InvalidParameter, op, "parameter %q cannot be empty", name)
	}
	if value == Wildcard {
		return nil
	}
	if strings.Contains(value, separator) {
		return errs.New(errs.InvalidParameter, op, "parameter %q value %q contains %q", name, value, separator)
	}
	if strings.ContainsAny(value, "+#") {
		return errs.New(errs.InvalidParameter, op, "parameter %q value %q contains a wildcard", name, value)
	}
	return nil
}

func (t *Template) clone() *Template {
	cp := *t
	cp.bindings = make(map[string]string, len(t.bindings))
	for k, v := range t.bindings {
		cp.bindings[k] = v
	}
	return &cp
}

// With returns a copy with parameter name bound to value. Binding Wildcard
// unbinds the parameter.
func (t *Template) With(name, value string) (*Template, error) {
	if _, ok := t.bindings[name]; !ok {
		return nil, errs.New(errs.InvalidParameter, "topic.With", "%q has no parameter %q", t.c.raw, name)
	}
	if err := checkValue(name, value); err != nil {
		return nil, err
	}
	cp := t.clone()
	cp.bindings[name] = value
	return cp, nil
}

// MustWith is like With but panics on error.
func (t *Template) MustWith(name, value string) *Template {
	cp, err := t.With(name, value)
	if err != nil {
		panic(err)
	}
	return cp
}

// Bind returns a copy with every entry of values bound.
func (t *Template) Bind(values map[string]string) (*Template, error) {
	cp := t.clone()
	for name, value := range values {
		if _, ok := cp.bindings[name]; !ok {
			return nil, errs.New(errs.InvalidParameter, "topic.Bind", "%q has no parameter %q", t.c.raw, name)
		}
		if err := checkValue(name, value); err != nil {
			return nil, err
		}
		cp.bindings[name] = value
	}
	return cp, nil
}

// WithQoS returns a copy publishing and subscribing at the given level.
func (t *Template) WithQoS(level byte) *Template {
	cp := t.clone()
	cp.qos = level
	return cp
}

// WithRetain returns a copy with the retain flag set.
func (t *Template) WithRetain(retain bool) *Template {
	cp := t.clone()
	cp.retain = retain
	return cp
}

// WithTimeout returns a copy with the reply timeout set.
func (t *Template) WithTimeout(d time.Duration) *Template {
	cp := t.clone()
	cp.timeout = d
	return cp
}

// Raw returns the template as parsed.
func (t *Template) Raw() string { return t.c.raw }

// Names returns the parameter names in template order.
func (t *Template) Names() []string {
	return append([]string(nil), t.c.names...)
}

// Params returns a copy of the current bindings. Unbound parameters map to
// Wildcard.
func (t *Template) Params() map[string]string {
	out := make(map[string]string, len(t.bindings))
	for k, v := range t.bindings {
		out[k] = v
	}
	return out
}

// Param returns the value bound to name and whether it is concrete.
func (t *Template) Param(name string) (string, bool) {
	v, ok := t.bindings[name]
	return v, ok && v != Wildcard
}

// QoS returns the configured quality-of-service level.
func (t *Template) QoS() byte { return t.qos }

// Retain reports whether published messages are retained.
func (t *Template) Retain() bool { return t.retain }

// Timeout returns the reply timeout, zero meaning none.
func (t *Template) Timeout() time.Duration { return t.timeout }

// SubscribeTopic renders the template as a transport filter. Unbound
// parameters render as '+'.
func (t *Template) SubscribeTopic() string {
	parts := make([]string, len(t.c.segments))
	for i, s := range t.c.segments {
		switch s.kind {
		case segLiteral:
			parts[i] = s.text
		case segParam:
			parts[i] = t.bindings[s.text]
		case segAnon:
			parts[i] = Wildcard
		case segMulti:
			parts[i] = MultiLevel
		}
	}
	return strings.Join(parts, separator)
}

// PublishTopic renders the template as a concrete topic. Every level must be
// concrete.
func (t *Template) PublishTopic() (string, error) {
	const op = "topic.PublishTopic"
	parts := make([]string, len(t.c.segments))
	for i, s := range t.c.segments {
		switch s.kind {
		case segLiteral:
			parts[i] = s.text
		case segParam:
			v := t.bindings[s.text]
			if v == Wildcard {
				return "", errs.New(errs.UnboundParameter, op, "%q: parameter %q is unbound", t.c.raw, s.text)
			}
			parts[i] = v
		case segAnon, segMulti:
			return "", errs.New(errs.UnboundParameter, op, "%q: wildcard at level %d", t.c.raw, i)
		}
	}
	return strings.Join(parts, separator), nil
}

// Match reports whether a concrete topic fits this template and returns the
// parameter values it carries. A topic that fits structurally is still
// rejected when it disagrees with a parameter this template has bound.
func (t *Template) Match(concrete string) (map[string]string, bool) {
	if strings.HasPrefix(concrete, "$") && len(t.c.segments) > 0 && t.c.segments[0].kind != segLiteral {
		return nil, false
	}
	m := t.c.pattern.FindStringSubmatch(concrete)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(t.c.names))
	for i, name := range t.c.names {
		value := m[i+1]
		if bound := t.bindings[name]; bound != Wildcard && bound != value {
			return nil, false
		}
		params[name] = value
	}
	return params, true
}

// Join derives "<raw>/<suffix>" keeping the current bindings and config. The
// suffix may declare new parameters.
func (t *Template) Join(suffix string) (*Template, error) {
	if n := len(t.c.segments); n > 0 && t.c.segments[n-1].kind == segMulti {
		return nil, errs.New(errs.MalformedTemplate, "topic.Join", "%q ends with '#'", t.c.raw)
	}
	next, err := Parse(t.c.raw+separator+suffix, QoS(t.qos), Retain(t.retain), Timeout(t.timeout))
	if err != nil {
		return nil, err
	}
	for k, v := range t.bindings {
		next.bindings[k] = v
	}
	return next, nil
}

// WithReply derives the "<raw>/reply" sibling used for correlated responses.
func (t *Template) WithReply() (*Template, error) {
	return t.Join("reply")
}

// String returns the subscribe form of the template.
func (t *Template) String() string {
	return t.SubscribeTopic()
}

// MatchFilter reports whether a concrete topic matches a transport filter
// using MQTT rules. Topics starting with '$' are not matched by a leading
// wildcard.
func MatchFilter(filter, concrete string) bool {
	if filter == concrete {
		return true
	}
	fs := strings.Split(filter, separator)
	ts := strings.Split(concrete, separator)
	if len(fs) > 0 && (fs[0] == Wildcard || fs[0] == MultiLevel) && strings.HasPrefix(concrete, "$") {
		return false
	}
	for i, f := range fs {
		if f == MultiLevel {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != Wildcard && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
