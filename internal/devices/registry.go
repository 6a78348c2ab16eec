package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ecobridge/internal/core"
)

// MaxAddressLength is the host's node address limit
const MaxAddressLength = 14

var (
	ErrNodeNotFound      = errors.New("node not found")
	ErrNodeAlreadyExists = errors.New("node already registered")
	ErrInvalidNode       = errors.New("invalid node")
)

// Thermostat is the node kept for one provider thermostat. It holds the
// latest summary revision and full payload and reports them back.
type Thermostat struct {
	address      string
	thermostatID string
	name         string

	mu         sync.RWMutex
	revision   core.Revision
	useCelsius bool
	data       json.RawMessage
	updatedAt  time.Time
}

// ThermostatView is a point-in-time copy of a node's fields
type ThermostatView struct {
	Address      string          `json:"address"`
	ThermostatID string          `json:"thermostat_id"`
	Name         string          `json:"name"`
	Connected    bool            `json:"connected"`
	UseCelsius   bool            `json:"use_celsius"`
	Revision     core.Revision   `json:"revision"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// NewThermostat creates a node for the given thermostat identifier
func NewThermostat(thermostatID, name string) *Thermostat {
	return &Thermostat{
		address:      core.ThermostatAddress(thermostatID),
		thermostatID: thermostatID,
		name:         name,
	}
}

// Address returns the node address
func (t *Thermostat) Address() string {
	return t.address
}

// ThermostatID returns the provider identifier
func (t *Thermostat) ThermostatID() string {
	return t.thermostatID
}

// Name returns the display name
func (t *Thermostat) Name() string {
	return t.name
}

// Update stores a freshly fetched payload along with the revision that
// triggered the fetch
func (t *Thermostat) Update(rev core.Revision, data json.RawMessage, useCelsius bool, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.revision = rev
	t.data = data
	t.useCelsius = useCelsius
	t.updatedAt = at
}

// View reports the node's current fields
func (t *Thermostat) View() ThermostatView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return ThermostatView{
		Address:      t.address,
		ThermostatID: t.thermostatID,
		Name:         t.name,
		Connected:    t.revision.Connected,
		UseCelsius:   t.useCelsius,
		Revision:     t.revision,
		UpdatedAt:    t.updatedAt,
		Data:         t.data,
	}
}

// Registry manages registered thermostat nodes
type Registry struct {
	nodes map[string]*Thermostat // address -> node
	mu    sync.RWMutex
}

// NewRegistry creates a new node registry
func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[string]*Thermostat),
	}
}

// Register adds a node to the registry
func (r *Registry) Register(node *Thermostat) error {
	if node.address == "" {
		return fmt.Errorf("%w: address cannot be empty", ErrInvalidNode)
	}
	if len(node.address) > MaxAddressLength {
		return fmt.Errorf("%w: address '%s' is too long (max %d characters)", ErrInvalidNode, node.address, MaxAddressLength)
	}
	if node.name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidNode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[node.address]; exists {
		return fmt.Errorf("%w: %s", ErrNodeAlreadyExists, node.address)
	}

	r.nodes[node.address] = node
	return nil
}

// Get retrieves a node by address
func (r *Registry) Get(address string) (*Thermostat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[address]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, address)
	}

	return node, nil
}

// Has reports whether a node exists at address
func (r *Registry) Has(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.nodes[address]
	return exists
}

// List returns all registered nodes ordered by address
func (r *Registry) List() []*Thermostat {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*Thermostat, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].address < nodes[j].address })

	return nodes
}
