package gadget

import "fmt"

// Configuration owns an ordered sequence of functions linked into one USB
// configuration. Functions are linked, not owned: disposing a function is
// the gadget controller's job during unbind, not the configuration's.
type Configuration struct {
	Index      int
	MaxPower   MaxPower
	Attributes byte
	Names      map[uint16]string // language id -> configuration string
	Functions  []Function
}

// NewConfiguration builds a configuration at index (canonically 1).
func NewConfiguration(index int, maxPower MaxPower, attributes byte) (*Configuration, error) {
	if index < 1 {
		return nil, fmt.Errorf("gadget: configuration index must be >= 1, got %d: %w", index, ErrInvalidConfiguration)
	}
	return &Configuration{
		Index:      index,
		MaxPower:   maxPower,
		Attributes: attributes,
		Names:      map[uint16]string{},
	}, nil
}

// AddFunction appends f to the configuration's function sequence.
func (c *Configuration) AddFunction(f Function) {
	c.Functions = append(c.Functions, f)
}

// SetName sets the per-language configuration string.
func (c *Configuration) SetName(langID uint16, name string) {
	c.Names[langID] = name
}
