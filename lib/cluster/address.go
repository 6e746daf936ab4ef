package cluster

import (
	"fmt"
	"net"
	"strconv"

	"github.com/ValentinKolb/dMap/lib/wire"
)

// Address identifies a node in the cluster
type Address struct {
	Host string `json:"host" msgpack:"h"`
	Port int32  `json:"port" msgpack:"p"`
}

// ParseAddress parses an address in the host:port format
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil || port < 0 {
		return Address{}, fmt.Errorf("invalid port in address %q", s)
	}
	return Address{Host: host, Port: int32(port)}, nil
}

// MustParseAddress is like ParseAddress but panics on error. Only meant for tests and constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsZero returns true for the empty address
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// Encode writes the fixed address encoding: length-prefixed host followed by a 4 byte port
func (a Address) Encode(w *wire.Writer) {
	w.String(a.Host)
	w.Int32(a.Port)
}

// ReadAddress reads an address written by Address.Encode
func ReadAddress(r *wire.Reader) Address {
	return Address{
		Host: r.String("address host"),
		Port: r.Int32("address port"),
	}
}
