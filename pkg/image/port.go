package image

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Port is a container port and protocol.
type Port struct {
	Number   int
	Protocol string
}

func (p Port) String() string {
	return fmt.Sprintf("%d/%s", p.Number, p.Protocol)
}

// PortSet is an unordered set of ports.
type PortSet struct {
	ports map[Port]bool
}

// NewPortSet returns an empty set.
func NewPortSet() *PortSet {
	return &PortSet{ports: map[Port]bool{}}
}

// Add inserts p.
func (s *PortSet) Add(p Port) { s.ports[p] = true }

// Len returns the set size.
func (s *PortSet) Len() int { return len(s.ports) }

// Contains reports membership.
func (s *PortSet) Contains(p Port) bool { return s.ports[p] }

// Sorted returns the ports ordered by number then protocol, for
// deterministic serialization.
func (s *PortSet) Sorted() []Port {
	out := make([]Port, 0, len(s.ports))
	for p := range s.ports {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].Protocol < out[j].Protocol
	})
	return out
}

// ParsePorts parses port specifications of the form "80", "80/udp", or
// "80-82/tcp", expanding ranges, into a set.
func ParsePorts(specs []string) (*PortSet, error) {
	set := NewPortSet()
	for _, spec := range specs {
		if err := parsePortSpec(set, spec); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parsePortSpec(set *PortSet, spec string) error {
	protocol := "tcp"
	numberPart := spec
	if idx := strings.Index(spec, "/"); idx >= 0 {
		numberPart = spec[:idx]
		protocol = spec[idx+1:]
	}
	if protocol != "tcp" && protocol != "udp" {
		return errors.Errorf("invalid port protocol in %q", spec)
	}

	lo, hi := numberPart, numberPart
	if idx := strings.Index(numberPart, "-"); idx >= 0 {
		lo, hi = numberPart[:idx], numberPart[idx+1:]
	}

	min, err := parsePortNumber(lo, spec)
	if err != nil {
		return err
	}
	max, err := parsePortNumber(hi, spec)
	if err != nil {
		return err
	}
	if max < min {
		return errors.Errorf("invalid port range %q", spec)
	}

	for n := min; n <= max; n++ {
		set.Add(Port{Number: n, Protocol: protocol})
	}
	return nil
}

func parsePortNumber(s, spec string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Errorf("invalid port number in %q", spec)
	}
	if n < 1 || n > 65535 {
		return 0, errors.Errorf("port %d in %q is out of range [1, 65535]", n, spec)
	}
	return n, nil
}
