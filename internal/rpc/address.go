package rpc

import (
	"net"
	"strconv"
	"strings"
)

// Address identifies a remote peer. Its Key is the pool key.
type Address struct {
	Host string
	Port int
}

// Validate rejects a missing host or port with ErrInvalidAddress.
func (a Address) Validate() error {
	if strings.TrimSpace(a.Host) == "" || a.Port <= 0 || a.Port > 65535 {
		return ErrInvalidAddress
	}
	return nil
}

func (a Address) Key() string {
	return net.JoinHostPort(strings.TrimSpace(a.Host), strconv.Itoa(a.Port))
}

func (a Address) String() string {
	return a.Key()
}

// ParseAddress splits "host:port" into an Address.
func ParseAddress(raw string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return Address{}, ErrInvalidAddress
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, ErrInvalidAddress
	}
	addr := Address{Host: host, Port: port}
	if err := addr.Validate(); err != nil {
		return Address{}, err
	}
	return addr, nil
}
