package registry

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("registry: service not found")
	ErrInvalidRecord = errors.New("registry: invalid service record")
)

// ServiceRecord is one registered instance. Several instances may share a
// Name; ID is unique.
type ServiceRecord struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Address        string            `json:"address"`
	Port           uint16            `json:"port"`
	HealthCheckURL string            `json:"health_check_url"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func NewServiceRecord(name, address string, port uint16) ServiceRecord {
	return ServiceRecord{
		ID:             uuid.NewString(),
		Name:           name,
		Address:        address,
		Port:           port,
		HealthCheckURL: defaultHealthCheckURL(address, port),
	}
}

func defaultHealthCheckURL(address string, port uint16) string {
	return "http://" + net.JoinHostPort(address, strconv.Itoa(int(port))) + "/health"
}

// Normalize assigns an ID and health-check URL when missing, lower-cases Name
// and gives Tags set semantics.
func (s *ServiceRecord) Normalize() {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	// Names resolve through DNS, which is case-insensitive.
	s.Name = strings.ToLower(s.Name)
	if s.HealthCheckURL == "" && s.Address != "" {
		s.HealthCheckURL = defaultHealthCheckURL(s.Address, s.Port)
	}
	if len(s.Tags) > 0 {
		tags := slices.Clone(s.Tags)
		slices.Sort(tags)
		s.Tags = slices.Compact(tags)
	}
	if len(s.Metadata) == 0 {
		s.Metadata = nil
	}
}

func (s ServiceRecord) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	case s.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRecord)
	case strings.ContainsRune(s.Name, 0) || strings.ContainsRune(s.ID, 0):
		return fmt.Errorf("%w: name and id cannot contain NUL", ErrInvalidRecord)
	case s.Address == "":
		return fmt.Errorf("%w: address is required", ErrInvalidRecord)
	case s.Port == 0:
		return fmt.Errorf("%w: port is required", ErrInvalidRecord)
	}
	return nil
}

func (s ServiceRecord) Clone() ServiceRecord {
	s.Tags = slices.Clone(s.Tags)
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

// HostPort is the dialable address of the instance.
func (s ServiceRecord) HostPort() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(int(s.Port)))
}
