package channel

// Stats is the monotone counter block spec.md §3 names. Readers of
// LatchStats see a consistent-at-lock-boundary snapshot, never a
// torn read, but individual increments elsewhere are not atomic.
type Stats struct {
	Generated     int64
	Transmitted   int64
	Retransmitted int64
	Delivered     int64
	Received      int64
	Acknowledged  int64
	Lost          int64
	Expired       int64
	Active        int64
	Bundles       int64
	Payloads      int64
	Records       int64
}
