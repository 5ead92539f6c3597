package bpbundle

import (
	"fmt"
	"regexp"
	"strconv"
)

// EID is an ipn-scheme Endpoint ID, the only scheme the core custody
// engine deals with (text EID parsing is otherwise out of the core's
// scope per spec.md §1).
type EID struct {
	Node    uint64
	Service uint64
}

var ipnPattern = regexp.MustCompile(`^ipn:(\d+)\.(\d+)$`)

// ParseEID parses the "ipn:<node>.<service>" text form, grounded on
// bundle.NewIpnEndpoint's regex-based approach.
func ParseEID(uri string) (EID, error) {
	m := ipnPattern.FindStringSubmatch(uri)
	if m == nil {
		return EID{}, fmt.Errorf("bpbundle: %q is not a valid ipn EID", uri)
	}

	node, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return EID{}, fmt.Errorf("bpbundle: invalid node number: %w", err)
	}
	service, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return EID{}, fmt.Errorf("bpbundle: invalid service number: %w", err)
	}

	return EID{Node: node, Service: service}, nil
}

// String renders the EID back to its "ipn:<node>.<service>" text form.
func (e EID) String() string {
	return fmt.Sprintf("ipn:%d.%d", e.Node, e.Service)
}

// IsZero reports whether e is the unset EID.
func (e EID) IsZero() bool {
	return e.Node == 0 && e.Service == 0
}
