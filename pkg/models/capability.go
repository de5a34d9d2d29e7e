package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Protocol identifies a transport family gated by a capability flag
type Protocol string

const (
	ProtocolGraph Protocol = "graph"
	ProtocolIMAP  Protocol = "imap"
	ProtocolPOP3  Protocol = "pop3"
)

// Capability is a tri-state probe result: unknown, enabled or disabled.
// Stored as NULL/true/false.
type Capability int8

const (
	CapUnknown Capability = iota
	CapEnabled
	CapDisabled
)

// CapabilityOf converts a probe outcome to a flag
func CapabilityOf(ok bool) Capability {
	if ok {
		return CapEnabled
	}
	return CapDisabled
}

func (c Capability) String() string {
	switch c {
	case CapEnabled:
		return "true"
	case CapDisabled:
		return "false"
	default:
		return "unknown"
	}
}

// Scan implements sql.Scanner
func (c *Capability) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = CapUnknown
	case bool:
		*c = CapabilityOf(v)
	case int64:
		*c = CapabilityOf(v != 0)
	case []byte:
		return c.Scan(string(v))
	case string:
		switch v {
		case "1", "true", "TRUE":
			*c = CapEnabled
		case "0", "false", "FALSE":
			*c = CapDisabled
		default:
			*c = CapUnknown
		}
	default:
		return fmt.Errorf("unsupported capability value %T", src)
	}
	return nil
}

// Value implements driver.Valuer
func (c Capability) Value() (driver.Value, error) {
	switch c {
	case CapEnabled:
		return true, nil
	case CapDisabled:
		return false, nil
	default:
		return nil, nil
	}
}

// MarshalJSON renders unknown as null
func (c Capability) MarshalJSON() ([]byte, error) {
	switch c {
	case CapEnabled:
		return []byte("true"), nil
	case CapDisabled:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, true and false
func (c *Capability) UnmarshalJSON(data []byte) error {
	var v *bool
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v == nil {
		*c = CapUnknown
		return nil
	}
	*c = CapabilityOf(*v)
	return nil
}

// Capabilities is the probe result for all three transports
type Capabilities struct {
	Graph Capability `json:"graph_enabled"`
	IMAP  Capability `json:"imap_enabled"`
	POP3  Capability `json:"pop3_enabled"`
}
