// Package addon implements the process-global per-kind addon registry and
// the per-registration Host through which it creates/destroys extension,
// extension-group, protocol and addon-loader instances on demand.
package addon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/nmxmxh/tenon/kernel/value"
)

// Kind identifies which of the four addon categories a registration belongs
// to.
type Kind int

const (
	KindExtension Kind = iota
	KindExtensionGroup
	KindProtocol
	KindAddonLoader
)

func (k Kind) String() string {
	switch k {
	case KindExtension:
		return "extension"
	case KindExtensionGroup:
		return "extension_group"
	case KindProtocol:
		return "protocol"
	case KindAddonLoader:
		return "addon_loader"
	default:
		return "unknown"
	}
}

// ErrDuplicateName is returned by Register when name is already registered
// for that kind.
type ErrDuplicateName struct {
	Kind Kind
	Name string
}

func (e *ErrDuplicateName) Error() string {
	return fmt.Sprintf("addon: duplicate name %q for kind %s", e.Name, e.Kind)
}

// ErrUnknownAddon is returned when an instance operation references a name
// with no registration.
type ErrUnknownAddon struct {
	Kind Kind
	Name string
}

func (e *ErrUnknownAddon) Error() string {
	return fmt.Sprintf("addon: unknown addon %q for kind %s", e.Name, e.Kind)
}

// Addon is the vtable every registration supplies.
type Addon interface {
	OnInit(host *Host) error
	OnDeinit(host *Host) error
	// OnCreateInstance must eventually call cb exactly once, either
	// synchronously or from another goroutine, per the "routes back to the
	// caller's thread" contract callers are responsible for honoring on
	// their side (the addon itself only produces the instance value).
	OnCreateInstance(host *Host, instanceName string, cb func(instance any, err error))
	OnDestroyInstance(host *Host, instance any, cb func(err error))
	OnDestroyAddon()
}

// Host wraps one registration: the addon vtable plus its manifest,
// property tree, and reference count.
type Host struct {
	Kind     Kind
	Name     string
	BaseDir  string
	Manifest *value.Value
	Property *value.Value

	addon Addon

	mu         sync.Mutex
	refCount   int
	pendingUnr bool
}

// Addon returns the vtable this host wraps.
func (h *Host) Addon() Addon { return h.addon }

func (h *Host) incRef() {
	h.mu.Lock()
	h.refCount++
	h.mu.Unlock()
}

// RefCount returns the current reference count (1 at registration, one per
// live instance beyond that).
func (h *Host) RefCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refCount
}

type kindStore struct {
	mu    sync.Mutex
	names []string
	hosts map[string]*Host
}

func newKindStore() *kindStore {
	return &kindStore{hosts: make(map[string]*Host)}
}

// Registry is the process-global, per-kind store of addon registrations. A
// process may host multiple Apps, each owning its own Registry.
type Registry struct {
	stores [4]*kindStore
}

// NewRegistry returns an empty registry with one store per Kind.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.stores {
		r.stores[i] = newKindStore()
	}
	return r
}

func (r *Registry) store(kind Kind) *kindStore {
	return r.stores[kind]
}

// Register installs a new Host for (kind, name). Fails with
// ErrDuplicateName if name is already registered for kind. ctx is not used.
func (r *Registry) Register(ctx context.Context, kind Kind, name, baseDir string, a Addon) (*Host, error) {
	store := r.store(kind)
	store.mu.Lock()
	if _, exists := store.hosts[name]; exists {
		store.mu.Unlock()
		return nil, &ErrDuplicateName{Kind: kind, Name: name}
	}
	host := &Host{Kind: kind, Name: name, BaseDir: baseDir, addon: a, refCount: 1}
	store.hosts[name] = host
	store.names = append(store.names, name)
	store.mu.Unlock()

	if baseDir != "" {
		manifest, property, err := loadManifestAndProperty(baseDir)
		if err != nil {
			return nil, fmt.Errorf("addon: loading manifest/property for %q: %w", name, err)
		}
		host.Manifest = manifest
		host.Property = property
	}

	if err := a.OnInit(host); err != nil {
		return nil, fmt.Errorf("addon: on_init for %q: %w", name, err)
	}

	if host.Manifest != nil {
		if nameField, ok := host.Manifest.ObjectGet("name"); ok {
			if manifestName, err := nameField.AsString(); err == nil && manifestName != name {
				return nil, fmt.Errorf("addon: manifest name %q does not match registration name %q", manifestName, name)
			}
		}
	}

	return host, nil
}

// Lookup returns the Host registered for (kind, name), or nil.
func (r *Registry) Lookup(kind Kind, name string) *Host {
	store := r.store(kind)
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.hosts[name]
}

// CreateInstanceAsync looks up (kind, name) and delegates instance creation
// to its addon, incrementing the host's refcount on success.
func (r *Registry) CreateInstanceAsync(kind Kind, name, instanceName string, cb func(handle string, instance any, err error)) {
	host := r.Lookup(kind, name)
	if host == nil {
		cb("", nil, &ErrUnknownAddon{Kind: kind, Name: name})
		return
	}
	handle := uuid.NewString()
	host.addon.OnCreateInstance(host, instanceName, func(instance any, err error) {
		if err == nil {
			host.incRef()
		}
		cb(handle, instance, err)
	})
}

// DestroyInstanceAsync delegates instance teardown to host's addon and
// decrements its refcount on success.
func (r *Registry) DestroyInstanceAsync(host *Host, instance any, cb func(err error)) {
	host.addon.OnDestroyInstance(host, instance, func(err error) {
		if err == nil {
			host.mu.Lock()
			host.refCount--
			rc := host.refCount
			pending := host.pendingUnr
			host.mu.Unlock()
			if pending && rc == 0 {
				host.addon.OnDestroyAddon()
			}
		}
		cb(err)
	})
}

// Unregister decrements the host's registration refcount; removal from the
// store (and the OnDestroyAddon call) is deferred until every outstanding
// instance has also been destroyed and the refcount reaches zero.
func (r *Registry) Unregister(kind Kind, name string) error {
	store := r.store(kind)
	store.mu.Lock()
	host, ok := store.hosts[name]
	if !ok {
		store.mu.Unlock()
		return &ErrUnknownAddon{Kind: kind, Name: name}
	}
	delete(store.hosts, name)
	for i, n := range store.names {
		if n == name {
			store.names = append(store.names[:i], store.names[i+1:]...)
			break
		}
	}
	store.mu.Unlock()

	host.mu.Lock()
	host.refCount--
	rc := host.refCount
	host.pendingUnr = true
	host.mu.Unlock()

	if rc == 0 {
		host.addon.OnDestroyAddon()
	}
	return nil
}

// Names returns the registered names for kind in registration order.
func (r *Registry) Names(kind Kind) []string {
	store := r.store(kind)
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]string(nil), store.names...)
}

func loadManifestAndProperty(baseDir string) (manifest, property *value.Value, err error) {
	manifest, err = loadJSONFileIfExists(filepath.Join(baseDir, "manifest.json"))
	if err != nil {
		return nil, nil, err
	}
	property, err = loadJSONFileIfExists(filepath.Join(baseDir, "property.json"))
	if err != nil {
		return nil, nil, err
	}
	return manifest, property, nil
}

func loadJSONFileIfExists(path string) (*value.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return value.NewObject(), nil
		}
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("addon: %s is not valid json", path)
	}
	return value.FromJSON(data)
}
