package property

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/gbox/packages/camserver/internal/status"
	"github.com/babelcloud/gbox/packages/camserver/internal/util"
)

// Owner receives every validated write so it can apply the value to the
// device and emit a change notification. The value is already stored when
// the hook runs and the container lock is not held.
type Owner interface {
	UpdatePropertyValue(index int, isString bool, value int, str string)
}

// Cacher is implemented by owners that fill their container lazily, e.g.
// by querying the device on first access.
type Cacher interface {
	CacheProperties() error
}

// Container is a thread-safe set of properties addressed by 1-based index.
// Indices are stable for the life of the container; 0 is never valid.
type Container struct {
	name  string
	owner Owner

	mu    sync.Mutex
	index map[string]int
	props []*Property

	cacheMu sync.Mutex
	cached  atomic.Bool

	logger *slog.Logger
}

// NewContainer creates a container for the node called name. owner may be
// nil.
func NewContainer(name string, owner Owner) *Container {
	return &Container{
		name:   name,
		owner:  owner,
		index:  make(map[string]int),
		logger: util.GetLogger().With("node", name),
	}
}

// Cached reports whether the lazy property fill has completed. Owners only
// emit change notifications once it has.
func (c *Container) Cached() bool { return c.cached.Load() }

// MarkCached skips the lazy fill.
func (c *Container) MarkCached() { c.cached.Store(true) }

// ensureCached runs the owner's CacheProperties once. CacheProperties must
// only use Create, CreateString and SetChoices on this container.
func (c *Container) ensureCached() error {
	if c.cached.Load() {
		return nil
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cached.Load() {
		return nil
	}
	if cacher, ok := c.owner.(Cacher); ok {
		if err := cacher.CacheProperties(); err != nil {
			return err
		}
	}
	c.cached.Store(true)
	return nil
}

// get returns the stored property; c.mu must be held.
func (c *Container) get(i int) *Property {
	if i <= 0 || i > len(c.props) {
		return nil
	}
	return c.props[i-1]
}

// Index returns the index for name, creating an empty property of kind
// None when the name is new.
func (c *Container) Index(name string) int {
	// a failed fill still leaves the name addressable
	_ = c.ensureCached()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexLocked(name)
}

func (c *Container) indexLocked(name string) int {
	if i, ok := c.index[name]; ok {
		return i
	}
	c.props = append(c.props, &Property{Name: name})
	i := len(c.props)
	c.index[name] = i
	return i
}

// Lookup returns the index of an existing property without creating one.
func (c *Container) Lookup(name string) (int, bool) {
	_ = c.ensureCached()
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[name]
	return i, ok
}

// Enumerate lists the indices of all properties that have a kind.
func (c *Container) Enumerate() ([]int, error) {
	if err := c.ensureCached(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.props))
	for i, p := range c.props {
		if p.Kind != None {
			out = append(out, i+1)
		}
	}
	return out, nil
}

// Get returns a copy of property i.
func (c *Container) Get(i int) (Property, error) {
	if err := c.ensureCached(); err != nil {
		return Property{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.get(i)
	if p == nil {
		return Property{}, status.ErrInvalidProperty
	}
	return p.clone(), nil
}

func (c *Container) Kind(i int) (Kind, error) {
	p, err := c.Get(i)
	return p.Kind, err
}

func (c *Container) Name(i int) (string, error) {
	p, err := c.Get(i)
	return p.Name, err
}

func (c *Container) Min(i int) (int, error) {
	p, err := c.Get(i)
	return p.Min, err
}

func (c *Container) Max(i int) (int, error) {
	p, err := c.Get(i)
	return p.Max, err
}

func (c *Container) Step(i int) (int, error) {
	p, err := c.Get(i)
	return p.Step, err
}

func (c *Container) Default(i int) (int, error) {
	p, err := c.Get(i)
	return p.Default, err
}

// Choices returns the choices of an enum property.
func (c *Container) Choices(i int) ([]string, error) {
	p, err := c.Get(i)
	if err != nil {
		return nil, err
	}
	if p.Kind != Enum {
		return nil, status.ErrWrongPropertyType
	}
	return p.Choices, nil
}

// Value reads a boolean, integer or enum property.
func (c *Container) Value(i int) (int, error) {
	p, err := c.Get(i)
	if err != nil {
		return 0, err
	}
	if p.Kind&numeric == 0 {
		return 0, status.ErrWrongPropertyType
	}
	return p.Value, nil
}

// StringValue reads a string property.
func (c *Container) StringValue(i int) (string, error) {
	p, err := c.Get(i)
	if err != nil {
		return "", err
	}
	if p.Kind != String {
		return "", status.ErrWrongPropertyType
	}
	return p.ValueStr, nil
}

// SetValue writes a numeric property. A property of kind None becomes an
// Integer.
func (c *Container) SetValue(i int, v int) error {
	c.mu.Lock()
	p := c.get(i)
	if p == nil {
		c.mu.Unlock()
		return status.ErrInvalidProperty
	}
	if p.Kind == None {
		p.Kind = Integer
	}
	if p.Kind&numeric == 0 {
		c.mu.Unlock()
		return status.ErrWrongPropertyType
	}
	p.setValue(v)
	v = p.Value
	c.mu.Unlock()

	if c.owner != nil {
		c.owner.UpdatePropertyValue(i, false, v, "")
	}
	return nil
}

// SetStringValue writes a string property. A property of kind None
// becomes a String.
func (c *Container) SetStringValue(i int, s string) error {
	c.mu.Lock()
	p := c.get(i)
	if p == nil {
		c.mu.Unlock()
		return status.ErrInvalidProperty
	}
	if p.Kind == None {
		p.Kind = String
	}
	if p.Kind != String {
		c.mu.Unlock()
		return status.ErrWrongPropertyType
	}
	p.setString(s)
	c.mu.Unlock()

	if c.owner != nil {
		c.owner.UpdatePropertyValue(i, true, 0, s)
	}
	return nil
}

// Create adds or redefines a numeric property and returns its index. The
// current value is kept if one was already set.
func (c *Container) Create(name string, kind Kind, min, max, step, def, value int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(name)
	p := c.props[i-1]
	p.Kind = kind
	p.Min, p.Max, p.Step, p.Default = min, max, step, def
	if !p.valueSet {
		p.setValue(value)
	}
	return i
}

// CreateString adds or redefines a string property.
func (c *Container) CreateString(name, value string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(name)
	p := c.props[i-1]
	p.Kind = String
	if !p.valueSet {
		p.setString(value)
	}
	return i
}

// SetChoices replaces the choices of an enum property.
func (c *Container) SetChoices(i int, choices []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.get(i)
	if p == nil {
		return status.ErrInvalidProperty
	}
	if p.Kind != Enum {
		return status.ErrWrongPropertyType
	}
	p.Choices = append([]string(nil), choices...)
	return nil
}

// Store sets a value without calling the owner hook. Drivers use it to
// report values read back from the device.
func (c *Container) Store(i int, isString bool, value int, str string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.get(i)
	if p == nil {
		return status.ErrInvalidProperty
	}
	if isString {
		p.setString(str)
	} else {
		p.setValue(value)
	}
	return nil
}

// All returns copies of every property that has a kind, in index order.
func (c *Container) All() ([]Property, error) {
	idx, err := c.Enumerate()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Property, 0, len(idx))
	for _, i := range idx {
		out = append(out, c.get(i).clone())
	}
	return out, nil
}
