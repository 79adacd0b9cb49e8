package operation

import (
	"strings"

	"github.com/pkg/errors"
)

// Constructor returns a fresh Operation.
type Constructor func() Operation

// ParamSpec documents one parameter of an operation.
type ParamSpec struct {
	Name     string `json:"name"`
	Range    string `json:"range"`
	Default  string `json:"default"`
	Required bool   `json:"required"`
}

// Entry binds an operation type name to its constructor.
type Entry struct {
	Name   string      `json:"type"`
	New    Constructor `json:"-"`
	Params []ParamSpec `json:"parameters"`
}

// Required returns the names of the parameters a pipeline step must supply.
func (e Entry) Required() []string {
	var names []string
	for _, p := range e.Params {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// Registry maps operation type names to constructors. It is read-only once
// built and safe to share between goroutines.
type Registry struct {
	entries map[string]Entry
	order   []string
}

func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, errors.New("registry entry name is required")
		}
		if e.New == nil {
			return nil, errors.Errorf("registry entry %q has no constructor", name)
		}
		if _, dup := r.entries[name]; dup {
			return nil, errors.Errorf("registry entry %q registered twice", name)
		}
		e.Name = name
		r.entries[name] = e
		r.order = append(r.order, name)
	}
	return r, nil
}

func MustRegistry(entries ...Entry) *Registry {
	r, err := NewRegistry(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

// Builtins lists the built-in operations in their documented order.
func Builtins() []Entry {
	return []Entry{
		{
			Name: "brightness",
			New:  func() Operation { return Brightness{} },
			Params: []ParamSpec{
				{Name: "factor", Range: "[0, 5]", Default: "1", Required: true},
			},
		},
		{
			Name: "blur",
			New:  func() Operation { return Blur{} },
			Params: []ParamSpec{
				{Name: "kernel_size", Range: "[3, 31], even sizes bumped to odd", Default: "5", Required: true},
				{Name: "sigma", Range: "[0.1, 10]", Default: "1", Required: true},
			},
		},
		{
			Name: "crop",
			New:  func() Operation { return Crop{} },
			Params: []ParamSpec{
				{Name: "x", Range: ">= 0", Default: "0"},
				{Name: "y", Range: ">= 0", Default: "0"},
				{Name: "width", Range: "> 0", Default: "buffer width - x"},
				{Name: "height", Range: "> 0", Default: "buffer height - y"},
			},
		},
		{
			Name: "sharpen",
			New:  func() Operation { return Sharpen{} },
			Params: []ParamSpec{
				{Name: "strength", Range: "[0, 2]", Default: "1"},
				{Name: "kernel_size", Range: "[3, 15], even sizes bumped to odd", Default: "5"},
			},
		},
		{
			Name: "contrast",
			New:  func() Operation { return Contrast{} },
			Params: []ParamSpec{
				{Name: "factor", Range: "[0, 3]", Default: "1"},
				{Name: "brightness_offset", Range: "[-100, 100]", Default: "0"},
			},
		},
	}
}

// Default is the process-wide registry of built-in operations.
var Default = MustRegistry(Builtins()...)

// Create returns a new instance of the named operation.
func (r *Registry) Create(name string) (Operation, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, &UnknownTypeError{Name: name}
	}
	return e.New(), nil
}

func (r *Registry) IsSupported(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// SupportedTypes returns the registered names in registration order.
func (r *Registry) SupportedTypes() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Describe(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Entries returns every entry in registration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}
