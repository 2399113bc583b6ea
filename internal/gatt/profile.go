package gatt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Characteristic properties, ATT bit positions.
const (
	PropBroadcast = 1 << iota
	PropRead
	PropWriteNoRsp
	PropWrite
	PropNotify
	PropIndicate
)

// Characteristic is one discovered attribute with its value handle.
type Characteristic struct {
	UUID        uuid.UUID
	ValueHandle uint16
	Properties  uint8
}

// PropertiesString renders the property bits the way inspection tools
// print them.
func (c *Characteristic) PropertiesString() string {
	var parts []string
	if c.Properties&PropBroadcast != 0 {
		parts = append(parts, "broadcast")
	}
	if c.Properties&PropRead != 0 {
		parts = append(parts, "read")
	}
	if c.Properties&PropWriteNoRsp != 0 {
		parts = append(parts, "write-no-rsp")
	}
	if c.Properties&PropWrite != 0 {
		parts = append(parts, "write")
	}
	if c.Properties&PropNotify != 0 {
		parts = append(parts, "notify")
	}
	if c.Properties&PropIndicate != 0 {
		parts = append(parts, "indicate")
	}
	return strings.Join(parts, ",")
}

// Service groups characteristics, keyed and iterated by value handle so
// listings follow discovery (handle) order.
type Service struct {
	UUID            uuid.UUID
	Characteristics *orderedmap.OrderedMap[uint16, *Characteristic]
}

// Profile is the cached attribute-discovery result for one device. It is
// evicted together with the device record on removal.
type Profile struct {
	mu       sync.RWMutex
	services []*Service
}

// NewProfile creates an empty discovery cache.
func NewProfile() *Profile {
	return &Profile{}
}

// AddService appends a discovered service and returns it for population.
func (p *Profile) AddService(id uuid.UUID) *Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc := &Service{
		UUID:            id,
		Characteristics: orderedmap.New[uint16, *Characteristic](),
	}
	p.services = append(p.services, svc)
	return svc
}

// AddCharacteristic records a discovered characteristic under the service.
func (s *Service) AddCharacteristic(id uuid.UUID, valueHandle uint16, properties uint8) *Characteristic {
	c := &Characteristic{UUID: id, ValueHandle: valueHandle, Properties: properties}
	s.Characteristics.Set(valueHandle, c)
	return c
}

// Services returns the services in discovery order.
func (p *Profile) Services() []*Service {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Service, len(p.services))
	copy(out, p.services)
	return out
}

// FindCharacteristic locates a characteristic by UUID across all services.
func (p *Profile) FindCharacteristic(id uuid.UUID) (*Characteristic, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, svc := range p.services {
		for pair := svc.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.UUID == id {
				return pair.Value, nil
			}
		}
	}
	return nil, fmt.Errorf("characteristic %s not found", id)
}

// ByHandle locates a characteristic by its value handle.
func (p *Profile) ByHandle(valueHandle uint16) (*Characteristic, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, svc := range p.services {
		if c, ok := svc.Characteristics.Get(valueHandle); ok {
			return c, true
		}
	}
	return nil, false
}
