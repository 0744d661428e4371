package transport

import "strings"

// Topic segments.
const (
	SegEdits     = "edits"
	SegCommands  = "commands"
	SegResponses = "responses"
	SegSync      = "sync"

	// SegHello names the topic on which the serving process announces each
	// connection. The "$" keeps it apart from document paths.
	SegHello = "$hello"

	// StorePrefix scopes process-level commands that have no document path.
	StorePrefix = "$store"
)

// Document command verbs.
const (
	VerbCreate  = "create"
	VerbContent = "content"
	VerbLog     = "log"
	VerbDelete  = "delete"
)

// StoreResponses is the shared reply topic for $store commands.
const StoreResponses = StorePrefix + "/" + SegResponses

// StoreCommand returns the topic of a process-level command.
func StoreCommand(verb string) string {
	return StorePrefix + "/" + SegCommands + "/" + verb
}

// Topics builds topic names for document paths below an anchor.
type Topics struct {
	Anchor string
}

func (t Topics) base(path string) string {
	return join(t.Anchor, path)
}

// Edits is the update broadcast topic of a path.
func (t Topics) Edits(path string) string {
	return join(t.base(path), SegEdits)
}

// Command is the topic of a document-scoped command.
func (t Topics) Command(path, verb string) string {
	return join(t.base(path), SegCommands, verb)
}

// Responses is the reply topic for document commands.
func (t Topics) Responses(path string) string {
	return join(t.base(path), SegResponses)
}

// Sync is the point-to-point reconciliation topic of one client.
func (t Topics) Sync(path, client string) string {
	return join(t.base(path), SegSync, client)
}

// Hello is the topic of the serving process's connect announcements.
func (t Topics) Hello() string {
	return join(t.Anchor, SegHello)
}

// All matches every topic below the anchor.
func (t Topics) All() string {
	return join(t.Anchor, "#")
}

// TopicKind classifies a parsed topic.
type TopicKind int

const (
	TopicUnknown TopicKind = iota
	TopicEdits
	TopicCommand
	TopicResponses
	TopicSync
	TopicHello
)

// Parsed is a topic split into its document path and role.
type Parsed struct {
	Kind TopicKind
	Path string
	// Arg is the command verb or sync client id.
	Arg string
}

// Parse splits a topic under the anchor. Roles are recognised from the
// trailing segments, so paths may contain any segment names.
func (t Topics) Parse(topic string) (Parsed, bool) {
	rest := topic
	if t.Anchor != "" {
		anchor := strings.Trim(t.Anchor, "/")
		switch {
		case rest == anchor:
			rest = ""
		case strings.HasPrefix(rest, anchor+"/"):
			rest = rest[len(anchor)+1:]
		default:
			return Parsed{}, false
		}
	}
	segs := strings.Split(rest, "/")
	n := len(segs)
	switch {
	case n == 1 && segs[0] == SegHello:
		return Parsed{Kind: TopicHello}, true
	case n >= 1 && segs[n-1] == SegEdits:
		return Parsed{Kind: TopicEdits, Path: strings.Join(segs[:n-1], "/")}, true
	case n >= 1 && segs[n-1] == SegResponses:
		return Parsed{Kind: TopicResponses, Path: strings.Join(segs[:n-1], "/")}, true
	case n >= 2 && segs[n-2] == SegCommands:
		return Parsed{Kind: TopicCommand, Path: strings.Join(segs[:n-2], "/"), Arg: segs[n-1]}, true
	case n >= 2 && segs[n-2] == SegSync:
		return Parsed{Kind: TopicSync, Path: strings.Join(segs[:n-2], "/"), Arg: segs[n-1]}, true
	}
	return Parsed{}, false
}

// Match reports whether topic matches an MQTT-style filter. "+" matches
// exactly one segment; a trailing "#" matches the remaining segments,
// including none.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

func join(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('/')
		}
		b.WriteString(p)
	}
	return b.String()
}
