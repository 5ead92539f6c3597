// Package bpbundle provides the one concrete block codec the channel
// engine runs the custody & retransmission core against. spec.md names
// the bit-level block encoders as an external collaborator, reachable
// only through the Codec interface below; V6Codec is the wired
// implementation, built — like the rest of the teacher's newer bundle
// package — on top of github.com/dtn7/cboring instead of hand-rolled
// bit-packing.
package bpbundle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// cidFieldWidth is the fixed byte width of a CTEB's encoded CID. Keeping
// it fixed (rather than a minimally-sized SDNV) is what lets the channel
// engine rewrite a bundle's CID on retransmit by patching CidOffset bytes
// in place instead of re-encoding the whole header.
const cidFieldWidth = 8

// PrimaryBlock carries the BPv6 primary-block fields the custody engine
// actually consults: source/destination/custodian, creation time used for
// the per-source sequence numbering, and lifetime for expiry.
type PrimaryBlock struct {
	Version     uint8
	Flags       BundleFlags
	Destination EID
	Source      EID
	Custodian   EID
	Creation    uint64 // DTN time, seconds since the DTN epoch.
	SequenceNum uint64
	Lifetime    uint64 // seconds; 0 = never expires.
}

// BundleFlags mirrors the bundle processing control flags the channel
// engine's config surface toggles (spec.md §6).
type BundleFlags uint64

const (
	FlagCustodyRequested BundleFlags = 1 << iota
	FlagAdminRecord
	FlagFragmentationAllowed
)

// Has reports whether flag is set.
func (f BundleFlags) Has(flag BundleFlags) bool { return f&flag != 0 }

// CTEB is the Custody-Transfer Extension Block: the on-the-wire carrier of
// a bundle's Custody ID, grounded on v6/cteb.c.
type CTEB struct {
	Custodian EID
	CID       uint32
}

// BIB is an opaque Bundle Integrity Block marker. Cipher-suite selection
// is, per spec.md §1, configuration the core never interprets.
type BIB struct {
	CipherSuite int
}

// Bundle is the in-memory, decoded form of a wire bundle.
type Bundle struct {
	Primary PrimaryBlock
	CTEB    *CTEB
	BIB     *BIB
	Payload []byte
}

// Codec is the external block-codec collaborator spec.md names but leaves
// unspecified. CIDOffset in Decode's result points at the byte offset
// within the returned header where RewriteCID can later patch in a new
// CID without touching anything else.
type Codec interface {
	Encode(b *Bundle) (header []byte, cidOffset int, err error)
	Decode(data []byte) (b *Bundle, cidOffset int, err error)
	RewriteCID(header []byte, cidOffset int, cid uint32) error
}

// V6Codec is bplib's one shipped Codec, encoding bundles as a small CBOR
// structure instead of the classic bit-packed BPv6 wire form — the same
// trade the teacher repository itself made when it moved from its
// original bit-level primary block encoder to a cboring-based one.
type V6Codec struct{}

func writeEID(e EID, w io.Writer) error {
	if err := cboring.WriteUInt(e.Node, w); err != nil {
		return err
	}
	return cboring.WriteUInt(e.Service, w)
}

func readEID(r io.Reader) (EID, error) {
	node, err := cboring.ReadUInt(r)
	if err != nil {
		return EID{}, err
	}
	service, err := cboring.ReadUInt(r)
	if err != nil {
		return EID{}, err
	}
	return EID{Node: node, Service: service}, nil
}

// Encode serializes b as: array[8]{version, flags, dest, source, custodian,
// creation, sequence, lifetime}, followed by an optional CTEB block and an
// optional BIB marker, followed by the payload block.
func (V6Codec) Encode(b *Bundle) (header []byte, cidOffset int, err error) {
	var buf bytes.Buffer

	pb := b.Primary
	if err := cboring.WriteArrayLength(8, &buf); err != nil {
		return nil, 0, err
	}
	fields := []uint64{uint64(pb.Version), uint64(pb.Flags)}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, &buf); err != nil {
			return nil, 0, err
		}
	}
	for _, eid := range []EID{pb.Destination, pb.Source, pb.Custodian} {
		if err := writeEID(eid, &buf); err != nil {
			return nil, 0, fmt.Errorf("bpbundle: encoding EID: %w", err)
		}
	}
	for _, f := range []uint64{pb.Creation, pb.SequenceNum, pb.Lifetime} {
		if err := cboring.WriteUInt(f, &buf); err != nil {
			return nil, 0, err
		}
	}

	if err := cboring.WriteBoolean(b.CTEB != nil, &buf); err != nil {
		return nil, 0, err
	}
	if b.CTEB != nil {
		if err := writeEID(b.CTEB.Custodian, &buf); err != nil {
			return nil, 0, err
		}
		if err := cboring.WriteByteString(make([]byte, cidFieldWidth), &buf); err != nil {
			return nil, 0, err
		}
	}

	if err := cboring.WriteBoolean(b.BIB != nil, &buf); err != nil {
		return nil, 0, err
	}
	if b.BIB != nil {
		if err := cboring.WriteUInt(uint64(b.BIB.CipherSuite), &buf); err != nil {
			return nil, 0, err
		}
	}

	if err := cboring.WriteByteString(b.Payload, &buf); err != nil {
		return nil, 0, err
	}

	out := buf.Bytes()
	if b.CTEB == nil {
		return out, 0, nil
	}

	offset, err := findCIDOffset(out)
	if err != nil {
		return nil, 0, err
	}
	binary.BigEndian.PutUint64(out[offset:offset+cidFieldWidth], uint64(b.CTEB.CID))
	return out, offset, nil
}

// findCIDOffset re-parses a freshly encoded header to locate the CID
// byte-string's payload start, so Encode never has to hand-track byte
// offsets through every WriteUInt/WriteByteString call above.
func findCIDOffset(header []byte) (int, error) {
	r := bytes.NewReader(header)
	if _, err := cboring.ReadArrayLength(r); err != nil {
		return 0, err
	}
	for i := 0; i < 2; i++ {
		if _, err := cboring.ReadUInt(r); err != nil {
			return 0, err
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := readEID(r); err != nil {
			return 0, err
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := cboring.ReadUInt(r); err != nil {
			return 0, err
		}
	}
	hasCTEB, err := cboring.ReadBoolean(r)
	if err != nil {
		return 0, err
	}
	if !hasCTEB {
		return 0, fmt.Errorf("bpbundle: header has no CTEB")
	}
	if _, err := readEID(r); err != nil {
		return 0, err
	}

	cidBytes, err := cboring.ReadByteString(r)
	if err != nil {
		return 0, err
	}
	if len(cidBytes) != cidFieldWidth {
		return 0, fmt.Errorf("bpbundle: unexpected CID field width %d", len(cidBytes))
	}
	return int(int64(len(header)) - int64(r.Len()) - int64(cidFieldWidth)), nil
}

// Decode parses a V6Codec-encoded header, returning the CID offset the
// same way Encode does.
func (c V6Codec) Decode(data []byte) (*Bundle, int, error) {
	r := bytes.NewReader(data)

	bl, err := cboring.ReadArrayLength(r)
	if err != nil {
		return nil, 0, err
	}
	if bl != 8 {
		return nil, 0, fmt.Errorf("bpbundle: expected array length 8, got %d", bl)
	}

	version, err := cboring.ReadUInt(r)
	if err != nil {
		return nil, 0, err
	}
	flags, err := cboring.ReadUInt(r)
	if err != nil {
		return nil, 0, err
	}

	var eids [3]EID
	for i := range eids {
		eids[i], err = readEID(r)
		if err != nil {
			return nil, 0, fmt.Errorf("bpbundle: decoding EID: %w", err)
		}
	}

	var timeFields [3]uint64
	for i := range timeFields {
		timeFields[i], err = cboring.ReadUInt(r)
		if err != nil {
			return nil, 0, err
		}
	}

	b := &Bundle{Primary: PrimaryBlock{
		Version:     uint8(version),
		Flags:       BundleFlags(flags),
		Destination: eids[0],
		Source:      eids[1],
		Custodian:   eids[2],
		Creation:    timeFields[0],
		SequenceNum: timeFields[1],
		Lifetime:    timeFields[2],
	}}

	hasCTEB, err := cboring.ReadBoolean(r)
	if err != nil {
		return nil, 0, err
	}

	cidOffset := 0
	if hasCTEB {
		custodian, err := readEID(r)
		if err != nil {
			return nil, 0, err
		}

		cidBytes, err := cboring.ReadByteString(r)
		if err != nil {
			return nil, 0, err
		}
		if len(cidBytes) != cidFieldWidth {
			return nil, 0, fmt.Errorf("bpbundle: unexpected CID field width %d", len(cidBytes))
		}

		cidOffset = int(int64(len(data)) - int64(r.Len()) - cidFieldWidth)
		b.CTEB = &CTEB{Custodian: custodian, CID: uint32(binary.BigEndian.Uint64(cidBytes))}
	}

	hasBIB, err := cboring.ReadBoolean(r)
	if err != nil {
		return nil, 0, err
	}
	if hasBIB {
		cs, err := cboring.ReadUInt(r)
		if err != nil {
			return nil, 0, err
		}
		b.BIB = &BIB{CipherSuite: int(cs)}
	}

	payload, err := cboring.ReadByteString(r)
	if err != nil {
		return nil, 0, err
	}
	b.Payload = payload

	return b, cidOffset, nil
}

// RewriteCID patches a new CID into header at cidOffset in place,
// preserving every other byte — the move the channel engine makes on
// retransmit instead of a full re-encode (spec.md §4.4.3 step 4c).
func (V6Codec) RewriteCID(header []byte, cidOffset int, cid uint32) error {
	if cidOffset < 0 || cidOffset+cidFieldWidth > len(header) {
		return fmt.Errorf("bpbundle: CID offset %d out of range for header of length %d", cidOffset, len(header))
	}
	binary.BigEndian.PutUint64(header[cidOffset:cidOffset+cidFieldWidth], uint64(cid))
	return nil
}
