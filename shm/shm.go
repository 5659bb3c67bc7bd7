// Package shm implements the shared-memory IPC substrate: a fixed 1 MiB
// region carved into a command ring, a response ring, a doorbell block, and
// the heap control/data area the heap package owns. Magic numbers,
// head/tail indices, and memory barriers are the only contract across the
// trust boundary between the core and its peer.
package shm

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"
)

// Fixed layout offsets and sizes (bit-exact, little-endian, packed).
const (
	RegionSize = 1 << 20 // 1 MiB

	CmdRingOffset = 0x00000
	CmdRingSize   = 32 * 1024

	RspRingOffset = 0x08000
	RspRingSize   = 32 * 1024

	DoorbellOffset = 0x10000
	DoorbellSize   = 256

	HeapCtlOffset = 0x10100
	HeapCtlSize   = 0xF00 // ~4 KiB minus the preceding doorbell slack to 0x11000

	HeapDataOffset = 0x11000
	HeapDataSize   = 0xEF000

	// RingCapacity is the number of packet slots in each ring.
	RingCapacity = 1024

	// PacketSize is the wire size of both command and response packets.
	PacketSize = 16

	// ringHeaderSize is {magic,head,tail,size,_rsvd[4]} = 4*4 + 16.
	ringHeaderSize = 32
)

// Magic numbers identifying each region, validated on every accessor.
const (
	CmdRingMagic  uint32 = 0x51DECA9E
	RspRingMagic  uint32 = 0x52535030
	DoorbellMagic uint32 = 0x444F4F52
)

// Command IDs (stable, substrate-interpreted). Peer-only extensions above
// 0x0020 are advisory and never interpreted by this package.
const (
	CmdPing     uint16 = 0x0001
	CmdPrint    uint16 = 0x0002
	CmdRunModel uint16 = 0x0010
)

// Response status codes (high bit marks "this is a response").
const (
	RspOK    uint16 = 0x8000
	RspError uint16 = 0x8001
	RspBusy  uint16 = 0x8002
)

// Doorbell flags.
const (
	DoorbellIRQEnabled uint32 = 1 << 0
	DoorbellPending    uint32 = 1 << 1
)

var (
	// ErrRingFull is returned by Send when the ring has no free slot.
	// It is not an error in the spec's sense: callers retry.
	ErrRingFull = errors.New("shm: ring full")
	// ErrEmpty is returned by Poll when there is nothing to consume.
	ErrEmpty = errors.New("shm: ring empty")
	// ErrForeignRegion is returned when a ring's magic does not match;
	// the region is treated as foreign and the operation refused.
	ErrForeignRegion = errors.New("shm: foreign region (magic mismatch)")
)

// Command is the 16-byte producer->consumer packet.
type Command struct {
	Cmd       uint16
	Flags     uint16
	PayloadID uint32
	Timestamp uint64
}

func (c Command) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], c.Cmd)
	binary.LittleEndian.PutUint16(b[2:4], c.Flags)
	binary.LittleEndian.PutUint32(b[4:8], c.PayloadID)
	binary.LittleEndian.PutUint64(b[8:16], c.Timestamp)
}

func decodeCommand(b []byte) Command {
	return Command{
		Cmd:       binary.LittleEndian.Uint16(b[0:2]),
		Flags:     binary.LittleEndian.Uint16(b[2:4]),
		PayloadID: binary.LittleEndian.Uint32(b[4:8]),
		Timestamp: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// Response is the 16-byte consumer->producer packet.
type Response struct {
	Status    uint16
	OrigCmd   uint16
	Result    uint32
	Timestamp uint64
}

func (r Response) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], r.Status)
	binary.LittleEndian.PutUint16(b[2:4], r.OrigCmd)
	binary.LittleEndian.PutUint32(b[4:8], r.Result)
	binary.LittleEndian.PutUint64(b[8:16], r.Timestamp)
}

func decodeResponse(b []byte) Response {
	return Response{
		Status:    binary.LittleEndian.Uint16(b[0:2]),
		OrigCmd:   binary.LittleEndian.Uint16(b[2:4]),
		Result:    binary.LittleEndian.Uint32(b[4:8]),
		Timestamp: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// ring is the shared {magic,head,tail,size,data[]} layout, generic over
// the 16-byte packet encode/decode pair. It holds no copy of the backing
// bytes: every field read/write goes straight through to the region so
// both sides of the trust boundary observe the same memory.
type ring struct {
	base []byte // points at the ring's header; base[32:] is packet data

	// ringDoorbell is step ⑥ of the producer protocol (spec.md §4.1):
	// publish the new head to the paired doorbell direction after the
	// head is published on the ring itself. Nil for rings built directly
	// over a bare []byte with no doorbell to notify.
	ringDoorbell func(newHead uint32)
}

func (r ring) magic() uint32   { return binary.LittleEndian.Uint32(r.base[0:4]) }
func (r ring) setMagic(m uint32) {
	binary.LittleEndian.PutUint32(r.base[0:4], m)
}
func (r ring) head() uint32 { return atomic.LoadUint32(headPtr(r.base)) }
func (r ring) tail() uint32 { return atomic.LoadUint32(tailPtr(r.base)) }
func (r ring) size() uint32 { return binary.LittleEndian.Uint32(r.base[12:16]) }

func headPtr(base []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&base[4]))
}
func tailPtr(base []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&base[8]))
}

func (r ring) slot(i uint32) []byte {
	off := ringHeaderSize + int(i)*PacketSize
	return r.base[off : off+PacketSize]
}

func (r ring) init(magic uint32, capacity uint32) {
	r.setMagic(magic)
	atomic.StoreUint32(headPtr(r.base), 0)
	atomic.StoreUint32(tailPtr(r.base), 0)
	binary.LittleEndian.PutUint32(r.base[12:16], capacity)
}

func (r ring) validate(want uint32) error {
	if r.magic() != want {
		return ErrForeignRegion
	}
	return nil
}

// CmdRing is the command ring: the core is the sole producer, the peer the
// sole consumer.
type CmdRing struct{ ring }

// Send implements the producer protocol of spec.md §4.1: compute the next
// head, fail RING_FULL without mutating anything if the ring would become
// full, write the packet, barrier, publish head, barrier again.
func (r CmdRing) Send(c Command) error {
	if err := r.validate(CmdRingMagic); err != nil {
		return err
	}
	head := r.head()
	tail := r.tail()
	size := r.size()
	next := (head + 1) % size
	if next == tail {
		return ErrRingFull
	}
	c.encode(r.slot(head))
	atomic.StoreUint32(headPtr(r.base), next) // publishes; store-store barrier via atomic store
	if r.ringDoorbell != nil {
		r.ringDoorbell(next)
	}
	return nil
}

// Poll implements the consumer protocol: read head/tail; if equal, empty;
// else copy the packet out (so re-reads during processing never tear),
// then advance tail.
func (r CmdRing) Poll() (Command, error) {
	if err := r.validate(CmdRingMagic); err != nil {
		return Command{}, err
	}
	head := r.head()
	tail := r.tail()
	if head == tail {
		return Command{}, ErrEmpty
	}
	var local [PacketSize]byte
	copy(local[:], r.slot(tail))
	next := (tail + 1) % r.size()
	atomic.StoreUint32(tailPtr(r.base), next)
	return decodeCommand(local[:]), nil
}

// RspRing is the response ring: the peer is the sole producer, the core the
// sole consumer.
type RspRing struct{ ring }

// Send is the producer side, used by the peer simulator.
func (r RspRing) Send(resp Response) error {
	if err := r.validate(RspRingMagic); err != nil {
		return err
	}
	head := r.head()
	tail := r.tail()
	size := r.size()
	next := (head + 1) % size
	if next == tail {
		return ErrRingFull
	}
	resp.encode(r.slot(head))
	atomic.StoreUint32(headPtr(r.base), next)
	if r.ringDoorbell != nil {
		r.ringDoorbell(next)
	}
	return nil
}

// Poll is the consumer side, used by the executor.
func (r RspRing) Poll() (Response, error) {
	if err := r.validate(RspRingMagic); err != nil {
		return Response{}, err
	}
	head := r.head()
	tail := r.tail()
	if head == tail {
		return Response{}, ErrEmpty
	}
	var local [PacketSize]byte
	copy(local[:], r.slot(tail))
	next := (tail + 1) % r.size()
	atomic.StoreUint32(tailPtr(r.base), next)
	return decodeResponse(local[:]), nil
}

// Doorbell is the bidirectional notification block: two triples of
// (value, flags, irq_count), one per direction, plus write counters.
type Doorbell struct{ base []byte }

func (d Doorbell) magic() uint32 { return binary.LittleEndian.Uint32(d.base[0:4]) }

func (d Doorbell) init() {
	binary.LittleEndian.PutUint32(d.base[0:4], DoorbellMagic)
	binary.LittleEndian.PutUint32(d.base[4:8], 1) // version
	for i := 8; i < DoorbellSize; i += 4 {
		binary.LittleEndian.PutUint32(d.base[i:i+4], 0)
	}
}

// RingCmd publishes the new command-ring producer head and bumps the write
// counter and (if enabled) irq_count/PENDING, per spec.md §4.1 step 6.
func (d Doorbell) RingCmd(newHead uint32, irqEnabled bool) {
	binary.LittleEndian.PutUint32(d.base[8:12], newHead)
	flags := binary.LittleEndian.Uint32(d.base[12:16])
	if irqEnabled {
		flags |= DoorbellPending
		binary.LittleEndian.PutUint32(d.base[12:16], flags)
		cnt := binary.LittleEndian.Uint32(d.base[16:20])
		binary.LittleEndian.PutUint32(d.base[16:20], cnt+1)
	}
	cmdWrites := binary.LittleEndian.Uint32(d.base[32:36])
	binary.LittleEndian.PutUint32(d.base[32:36], cmdWrites+1)
}

// RingRsp is the response-direction counterpart of RingCmd.
func (d Doorbell) RingRsp(newHead uint32, irqEnabled bool) {
	binary.LittleEndian.PutUint32(d.base[20:24], newHead)
	flags := binary.LittleEndian.Uint32(d.base[24:28])
	if irqEnabled {
		flags |= DoorbellPending
		binary.LittleEndian.PutUint32(d.base[24:28], flags)
		cnt := binary.LittleEndian.Uint32(d.base[28:32])
		binary.LittleEndian.PutUint32(d.base[28:32], cnt+1)
	}
	rspWrites := binary.LittleEndian.Uint32(d.base[36:40])
	binary.LittleEndian.PutUint32(d.base[36:40], rspWrites+1)
}

// CmdDoorbellValue returns the last published command-ring head; readers
// tolerate torn reads here since only the last-seen value matters
// (idempotent "catch up to this head").
func (d Doorbell) CmdDoorbellValue() uint32 {
	return binary.LittleEndian.Uint32(d.base[8:12])
}

// RspDoorbellValue is the response-direction counterpart.
func (d Doorbell) RspDoorbellValue() uint32 {
	return binary.LittleEndian.Uint32(d.base[20:24])
}

// cmdIRQEnabled reports whether the peer has opted into command-ring
// doorbell interrupts, read from the same flags word RingCmd sets
// DoorbellPending in.
func (d Doorbell) cmdIRQEnabled() bool {
	return binary.LittleEndian.Uint32(d.base[12:16])&DoorbellIRQEnabled != 0
}

// rspIRQEnabled is the response-direction counterpart of cmdIRQEnabled.
func (d Doorbell) rspIRQEnabled() bool {
	return binary.LittleEndian.Uint32(d.base[24:28])&DoorbellIRQEnabled != 0
}

// View is the typed shared view built once at init: it exclusively holds
// the base region and hands out bounded, typed accessors. Per spec.md §9,
// raw pointers into shared memory never escape this layer — every other
// package talks to CmdRing/RspRing/Doorbell/HeapCtl/HeapData values, never
// to the backing []byte directly.
type View struct {
	region []byte
}

// NewView wraps an existing 1 MiB region (e.g. backed by the pageframe
// capability) without touching its contents.
func NewView(region []byte) (*View, error) {
	if len(region) < RegionSize {
		return nil, errors.New("shm: region smaller than 1 MiB")
	}
	return &View{region: region}, nil
}

// Init stamps magic numbers and zero indices into both rings and the
// doorbell, per spec.md §4.1's initialization contract. Only the owner of
// the region (the core) calls this.
func (v *View) Init() {
	v.CmdRing().init(CmdRingMagic, RingCapacity)
	v.RspRing().init(RspRingMagic, RingCapacity)
	v.Doorbell().init()
}

func (v *View) CmdRing() CmdRing {
	db := v.Doorbell()
	return CmdRing{ring{
		base:         v.region[CmdRingOffset : CmdRingOffset+CmdRingSize],
		ringDoorbell: func(newHead uint32) { db.RingCmd(newHead, db.cmdIRQEnabled()) },
	}}
}

func (v *View) RspRing() RspRing {
	db := v.Doorbell()
	return RspRing{ring{
		base:         v.region[RspRingOffset : RspRingOffset+RspRingSize],
		ringDoorbell: func(newHead uint32) { db.RingRsp(newHead, db.rspIRQEnabled()) },
	}}
}

func (v *View) Doorbell() Doorbell {
	return Doorbell{base: v.region[DoorbellOffset : DoorbellOffset+DoorbellSize]}
}

// HeapCtl returns the raw heap-control sub-slice; the heap package owns
// the layout within it.
func (v *View) HeapCtl() []byte {
	return v.region[HeapCtlOffset : HeapCtlOffset+HeapCtlSize]
}

// HeapData returns the raw heap-data sub-slice.
func (v *View) HeapData() []byte {
	return v.region[HeapDataOffset : HeapDataOffset+HeapDataSize]
}
