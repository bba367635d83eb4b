// Package request defines the device request record that flows from the OS
// event source through the work queue to the action executor and
// materializer.
package request

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jcnelson/vdev/internal/vdeverr"
)

// Kind is the device lifecycle event kind. Invalid is the zero value so a
// request can never be enqueued uninitialized.
type Kind int

const (
	Invalid Kind = iota
	Add
	Remove
	Change
	// Any matches add/remove/change rules; only ever used on the rule
	// side of a match, never on a live request.
	Any
)

func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Change:
		return "change"
	case Any:
		return "any"
	default:
		return "none"
	}
}

// ParseKind parses the ACTION field of a uevent, or an action/event value
// from a rule file.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "add":
		return Add, nil
	case "remove":
		return Remove, nil
	case "change":
		return Change, nil
	case "any":
		return Any, nil
	default:
		return Invalid, vdeverr.Newf(vdeverr.ParseError, "unrecognized action %q", s)
	}
}

// DevType is the device node's file type.
type DevType int

const (
	DevNone DevType = iota
	DevBlock
	DevChar
)

func (t DevType) String() string {
	switch t {
	case DevBlock:
		return "block"
	case DevChar:
		return "char"
	default:
		return "none"
	}
}

// UnknownPath is the sentinel path used when a request has no resolved
// location yet (e.g. a rename chain that legitimately produces no path).
const UnknownPath = "UNKNOWN"

// Request is one device lifecycle event: an add, remove, or change, plus
// every OS parameter the kernel (or the sysfs coldplug walk) reported for
// it. Next is used to thread the request onto the work queue's intrusive
// singly linked list; it is nil once the request has been dequeued.
type Request struct {
	ID uuid.UUID

	Kind Kind

	// Path is the device path as received, relative to the managed
	// mountpoint (e.g. "/null"). Renamed, once non-empty, is the path
	// derived by a matching action rule's rename_command and is what the
	// materializer and metadata writer actually use.
	Path    string
	Renamed string

	Major, Minor int
	DevType      DevType

	// params preserves insertion order so VDEV_OS_* environment
	// variables and metadata files are emitted deterministically.
	params     map[string]string
	paramOrder []string

	Next *Request
}

// New creates a request in the given kind for path. path must be non-empty;
// kind must not be Invalid before the request is enqueued.
func New(kind Kind, path string) *Request {
	return &Request{
		ID:     uuid.New(),
		Kind:   kind,
		Path:   path,
		params: make(map[string]string),
	}
}

// TargetPath is the path the materializer and metadata writer should use:
// the renamed path if one was derived, else the original path.
func (r *Request) TargetPath() string {
	if r.Renamed != "" {
		return r.Renamed
	}

	return r.Path
}

// SetKind sets the request's kind.
func (r *Request) SetKind(k Kind) { r.Kind = k }

// SetPath sets the request's original path.
func (r *Request) SetPath(p string) { r.Path = p }

// SetDev sets the request's device number.
func (r *Request) SetDev(major, minor int) {
	r.Major = major
	r.Minor = minor
}

// SetMode sets the request's device type.
func (r *Request) SetMode(t DevType) { r.DevType = t }

// AddParam records an OS parameter. Keys must be unique; a duplicate key
// returns an AlreadyExists error and leaves the request unchanged.
func (r *Request) AddParam(key, value string) error {
	if _, exists := r.params[key]; exists {
		return vdeverr.Newf(vdeverr.AlreadyExists, "parameter %q already set", key)
	}

	if r.params == nil {
		r.params = make(map[string]string)
	}

	r.params[key] = value
	r.paramOrder = append(r.paramOrder, key)
	return nil
}

// Param returns the value of an OS parameter and whether it was set.
func (r *Request) Param(key string) (string, bool) {
	v, ok := r.params[key]
	return v, ok
}

// Params returns the OS parameters in insertion order.
func (r *Request) Params() []KV {
	out := make([]KV, 0, len(r.paramOrder))
	for _, k := range r.paramOrder {
		out = append(out, KV{Key: k, Value: r.params[k]})
	}

	return out
}

// KV is an ordered OS parameter key/value pair.
type KV struct {
	Key, Value string
}

// ToEnv renders the request into the environment vdev passes to rename,
// command, and daemonlet subprocesses. The order is fixed: VDEV_MOUNTPOINT,
// VDEV_ACTION, VDEV_PATH, VDEV_MAJOR, VDEV_MINOR, VDEV_MODE, VDEV_HELPERS,
// then every OS parameter prefixed VDEV_OS_, in the order it was recorded.
func (r *Request) ToEnv(mountpoint, helpersDir string) []string {
	// VDEV_ACTION is restricted to add|remove|any|none: the original
	// request-kind-to-string table was never updated when Change was
	// spliced into the enum between Remove and Any, so a change event
	// renders as "any" (Any's own string), not "change".
	action := "none"
	switch r.Kind {
	case Add, Remove, Any, Change:
		action = r.Kind.String()
		if r.Kind == Change {
			action = Any.String()
		}
	}

	env := []string{
		"VDEV_MOUNTPOINT=" + mountpoint,
		"VDEV_ACTION=" + action,
		"VDEV_PATH=" + r.TargetPath(),
		fmt.Sprintf("VDEV_MAJOR=%d", r.Major),
		fmt.Sprintf("VDEV_MINOR=%d", r.Minor),
		"VDEV_MODE=" + r.DevType.String(),
		"VDEV_HELPERS=" + helpersDir,
	}

	for _, kv := range r.Params() {
		env = append(env, "VDEV_OS_"+kv.Key+"="+kv.Value)
	}

	return env
}

// Validate enforces the invariants spec.md §3 requires before a request may
// be enqueued: a non-invalid kind and a non-empty path.
func (r *Request) Validate() error {
	if r.Kind == Invalid {
		return vdeverr.New(vdeverr.ParseError, fmt.Errorf("request has no kind"))
	}

	if r.Path == "" {
		return vdeverr.New(vdeverr.ParseError, fmt.Errorf("request has no path"))
	}

	return nil
}
