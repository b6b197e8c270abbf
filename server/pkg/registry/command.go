package registry

import (
	"encoding/json"
	"fmt"
)

type Op string

const (
	OpRegister   Op = "register"
	OpDeregister Op = "deregister"
)

const commandVersion = 1

// Command is the payload of a log entry. It is the only way the registry
// changes.
type Command struct {
	Version   int            `json:"version"`
	Op        Op             `json:"op"`
	Service   *ServiceRecord `json:"service,omitempty"`
	ServiceID string         `json:"service_id,omitempty"`
}

func Register(s ServiceRecord) Command {
	return Command{Version: commandVersion, Op: OpRegister, Service: &s}
}

func Deregister(id string) Command {
	return Command{Version: commandVersion, Op: OpDeregister, ServiceID: id}
}

func (c Command) validate() error {
	if c.Version != commandVersion {
		return fmt.Errorf("unsupported command version %d", c.Version)
	}
	switch c.Op {
	case OpRegister:
		if c.Service == nil {
			return fmt.Errorf("register without service")
		}
		return c.Service.Validate()
	case OpDeregister:
		if c.ServiceID == "" {
			return fmt.Errorf("deregister without service id")
		}
		return nil
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
}

func EncodeCommand(c Command) ([]byte, error) {
	if c.Version == 0 {
		c.Version = commandVersion
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decoding command: %w", err)
	}
	if err := c.validate(); err != nil {
		return Command{}, fmt.Errorf("decoding command: %w", err)
	}
	return c, nil
}
