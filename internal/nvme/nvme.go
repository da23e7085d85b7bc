// Package nvme implements the NVMe driver core: controller register
// access, the admin queue, controller/namespace identification, and
// the submission/completion protocol a storage stack rides on top of,
// grounded on the controller bring-up sequence nvme_init drives.
package nvme

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"lykcore/internal/defs"
	"lykcore/internal/klist"
	"lykcore/internal/mem"
	"lykcore/internal/pci"
	"lykcore/internal/spinlock"
)

// Register byte offsets within the controller's BAR0 window, per the
// NVMe base specification register layout nvme_regs_t mirrors.
const (
	regCAP    = 0x00
	regVS     = 0x08
	regINTMS  = 0x0C
	regINTMC  = 0x10
	regCC     = 0x14
	regCSTS   = 0x1C
	regAQA    = 0x24
	regASQ    = 0x28
	regACQ    = 0x30
	regDbBase = 0x1000
)

// CAP register field accessors (bit offsets per the NVMe spec).
func capMQES(cap uint64) uint16 { return uint16(cap & 0xFFFF) }
func capDSTRD(cap uint64) uint8 { return uint8((cap >> 32) & 0xF) }

// CC register bit layout.
const (
	ccEN    = 1 << 0
	ccShift = 0
)

func ccWithEnable(cc uint32, en bool) uint32 {
	if en {
		return cc | ccEN
	}
	return cc &^ ccEN
}

func ccConfigured(iosqes, iocqes uint32) uint32 {
	// ams=0, mps=0 (4KB pages), css=0 (NVM command set), fixed entry sizes.
	return (iosqes << 16) | (iocqes << 20)
}

// CSTS.RDY is bit 0.
func cstsReady(csts uint32) bool { return csts&1 != 0 }

const adminQueueDepth = 64

const (
	sqEntrySize = 64
	cqEntrySize = 16
)

// SubmissionEntry mirrors nvme_sq_entry_t: a 64-byte command slot.
type SubmissionEntry struct {
	Opcode  uint8
	Fuse    uint8
	CID     uint16
	NSID    uint32
	MPTR    uint64
	PRP1    uint64
	PRP2    uint64
	CDW10   uint32
	CDW11   uint32
	CDW12   uint32
	CDW13   uint32
	CDW14   uint32
	CDW15   uint32
}

func (e *SubmissionEntry) encode(buf []byte) {
	buf[0] = e.Opcode
	buf[1] = e.Fuse
	binary.LittleEndian.PutUint16(buf[2:], e.CID)
	binary.LittleEndian.PutUint32(buf[4:], e.NSID)
	binary.LittleEndian.PutUint64(buf[16:], e.MPTR)
	binary.LittleEndian.PutUint64(buf[24:], e.PRP1)
	binary.LittleEndian.PutUint64(buf[32:], e.PRP2)
	binary.LittleEndian.PutUint32(buf[40:], e.CDW10)
	binary.LittleEndian.PutUint32(buf[44:], e.CDW11)
	binary.LittleEndian.PutUint32(buf[48:], e.CDW12)
	binary.LittleEndian.PutUint32(buf[52:], e.CDW13)
	binary.LittleEndian.PutUint32(buf[56:], e.CDW14)
	binary.LittleEndian.PutUint32(buf[60:], e.CDW15)
}

// CompletionEntry mirrors nvme_cq_entry_t: a 16-byte completion slot.
type CompletionEntry struct {
	CDW0   uint32
	CDW1   uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Phase  uint8
	Status uint16
}

func decodeCompletion(buf []byte) CompletionEntry {
	raw := binary.LittleEndian.Uint16(buf[14:])
	return CompletionEntry{
		CDW0:   binary.LittleEndian.Uint32(buf[0:]),
		CDW1:   binary.LittleEndian.Uint32(buf[4:]),
		SQHead: binary.LittleEndian.Uint16(buf[8:]),
		SQID:   binary.LittleEndian.Uint16(buf[10:]),
		CID:    binary.LittleEndian.Uint16(buf[12:]),
		Phase:  uint8(raw & 1),
		Status: raw >> 1,
	}
}

// Queue_t is one submission/completion queue pair, grounded on
// nvme_queue_t.
type Queue_t struct {
	lock  spinlock.Spinlock_t
	id    uint16
	depth uint16
	head  uint16
	tail  uint16
	phase uint8

	sq []byte // depth * sqEntrySize bytes, DMA-visible
	cq []byte // depth * cqEntrySize bytes, DMA-visible

	pending klist.List_t[uint16] // outstanding command IDs, FIFO
}

func newQueue(id uint16, depth uint16, pm *mem.Phys_t) (*Queue_t, mem.Pa_t, mem.Pa_t, defs.Err_t) {
	sqPages := (int(depth)*sqEntrySize + mem.PGSIZE - 1) / mem.PGSIZE
	cqPages := (int(depth)*cqEntrySize + mem.PGSIZE - 1) / mem.PGSIZE
	if sqPages == 0 {
		sqPages = 1
	}
	if cqPages == 0 {
		cqPages = 1
	}
	sqPa, ok := pm.AllocPages(sqPages)
	if !ok {
		return nil, 0, 0, defs.ENOMEM
	}
	cqPa, ok := pm.AllocPages(cqPages)
	if !ok {
		return nil, 0, 0, defs.ENOMEM
	}
	q := &Queue_t{
		id:    id,
		depth: depth,
		phase: 1,
		sq:    pm.ArenaRef().Bytes(sqPa, sqPages),
		cq:    pm.ArenaRef().Bytes(cqPa, cqPages),
	}
	return q, sqPa, cqPa, defs.EOK
}

// Controller_t is a bring-up NVMe controller instance: its register
// window, doorbell stride, admin queue, and identified namespaces.
type Controller_t struct {
	dev      pci.Device_t
	regs     []byte // BAR0 window, direct-mapped
	dstrd    uint8
	pm       *mem.Phys_t
	admin    *Queue_t
	identity ControllerIdentity
	nextCID  uint16
}

// ControllerIdentity is the subset of the Identify Controller data
// structure (nvme_cid_t) this core decodes.
type ControllerIdentity struct {
	VID        uint16
	SSVID      uint16
	SerialNum  string
	ModelNum   string
	Firmware   string
	SQEntrySize uint8
	CQEntrySize uint8
	NumNamespaces uint32
}

func readReg32(regs []byte, off int) uint32 { return binary.LittleEndian.Uint32(regs[off:]) }
func writeReg32(regs []byte, off int, v uint32) { binary.LittleEndian.PutUint32(regs[off:], v) }
func readReg64(regs []byte, off int) uint64 { return binary.LittleEndian.Uint64(regs[off:]) }
func writeReg64(regs []byte, off int, v uint64) { binary.LittleEndian.PutUint64(regs[off:], v) }

// New attaches a controller to a PCI function's BAR0 window, reading
// the doorbell stride out of CAP the way nvme_init does immediately
// after mapping registers.
func New(dev pci.Device_t, bar0 []byte, pm *mem.Phys_t) *Controller_t {
	cap := readReg64(bar0, regCAP)
	return &Controller_t{
		dev:   dev,
		regs:  bar0,
		dstrd: capDSTRD(cap),
		pm:    pm,
	}
}

func (c *Controller_t) sqDoorbell(qid uint16) int {
	return regDbBase + int(2*qid)*(4<<c.dstrd)
}
func (c *Controller_t) cqDoorbell(qid uint16) int {
	return regDbBase + int(2*qid+1)*(4<<c.dstrd)
}

// Reset drives CC.EN low and waits for CSTS.RDY to clear, mirroring
// nvme_reset followed by nvme_wait_ready(nvme, false).
func (c *Controller_t) Reset() error {
	cc := readReg32(c.regs, regCC)
	writeReg32(c.regs, regCC, ccWithEnable(cc, false))
	return c.waitReady(false)
}

func (c *Controller_t) waitReady(ready bool) error {
	const maxSpins = 1_000_000
	for i := 0; i < maxSpins; i++ {
		if cstsReady(readReg32(c.regs, regCSTS)) == ready {
			return nil
		}
	}
	return fmt.Errorf("nvme: controller did not reach ready=%v: %w", ready, unix.ETIMEDOUT)
}

// CreateAdminQueue allocates the admin submission/completion queue
// pair and programs AQA/ASQ/ACQ, mirroring nvme_create_admin_queue.
func (c *Controller_t) CreateAdminQueue() defs.Err_t {
	q, sqPa, cqPa, err := newQueue(0, adminQueueDepth, c.pm)
	if err != defs.EOK {
		return err
	}
	c.admin = q

	aqa := uint32(adminQueueDepth-1) | uint32(adminQueueDepth-1)<<16
	writeReg32(c.regs, regAQA, aqa)
	writeReg64(c.regs, regASQ, uint64(sqPa))
	writeReg64(c.regs, regACQ, uint64(cqPa))
	return defs.EOK
}

// Start configures queue entry sizes and sets CC.EN, mirroring
// nvme_start, then waits for CSTS.RDY, mirroring the nvme_wait_ready(
// nvme, true) call site immediately after it in nvme_init.
func (c *Controller_t) Start() error {
	cc := ccConfigured(6, 4) // 64-byte submission entries, 16-byte completion entries
	writeReg32(c.regs, regCC, ccWithEnable(cc, true))
	return c.waitReady(true)
}

// SubmitAdmin writes a command into the admin submission queue's tail
// slot and rings the submission doorbell, mirroring
// nvme_submit_admin_command. It returns the command ID assigned.
func (c *Controller_t) SubmitAdmin(opcode uint8, cmd SubmissionEntry) uint16 {
	c.admin.lock.Lock()
	defer c.admin.lock.Unlock()

	c.nextCID++
	cid := c.nextCID
	cmd.Opcode = opcode
	cmd.CID = cid

	slot := c.admin.sq[int(c.admin.tail)*sqEntrySize : int(c.admin.tail+1)*sqEntrySize]
	cmd.encode(slot)
	c.admin.pending.PushBack(cid)
	c.admin.tail = (c.admin.tail + 1) % c.admin.depth

	writeReg32(c.regs, c.sqDoorbell(c.admin.id), uint32(c.admin.tail))
	return cid
}

// pollCQ checks the completion queue's current head slot once,
// mirroring nvme_poll_cq: returns the completed entry and advances
// head/phase if the phase bit matches, or ok=false if nothing new.
func pollCQ(regs []byte, q *Queue_t, dbOffset int) (CompletionEntry, bool) {
	slot := q.cq[int(q.head)*cqEntrySize : int(q.head+1)*cqEntrySize]
	entry := decodeCompletion(slot)
	if entry.Phase != q.phase&1 {
		return CompletionEntry{}, false
	}
	q.head = (q.head + 1) % q.depth
	if q.head == 0 {
		q.phase ^= 1
	}
	writeReg32(regs, dbOffset, uint32(q.head))
	return entry, true
}

// WaitAdminCompletion polls until cid completes, mirroring
// nvme_admin_wait_completion, bounded by maxPolls so a hosted test (no
// real interrupt or timeout source) cannot spin forever on a
// controller that never completes a command.
func (c *Controller_t) WaitAdminCompletion(cid uint16, maxPolls int) (CompletionEntry, error) {
	c.admin.lock.Lock()
	defer c.admin.lock.Unlock()

	for i := 0; i < maxPolls; i++ {
		entry, ok := pollCQ(c.regs, c.admin, c.cqDoorbell(c.admin.id))
		if !ok {
			continue
		}
		c.admin.pending.PopFront()
		if entry.CID == cid {
			return entry, nil
		}
	}
	return CompletionEntry{}, fmt.Errorf("nvme: command %d did not complete: %w", cid, unix.ETIMEDOUT)
}

const identifyOpcode = 0x06

// IdentifyController issues the Identify Controller admin command
// (CNS=1) and decodes the result, mirroring nvme_identify_controller.
func (c *Controller_t) IdentifyController(maxPolls int) (ControllerIdentity, error) {
	pa, ok := c.pm.AllocPages(1)
	if !ok {
		return ControllerIdentity{}, fmt.Errorf("nvme: identify buffer: %w", unix.ENOMEM)
	}
	buf := c.pm.ArenaRef().Bytes(pa, 1)

	cmd := SubmissionEntry{PRP1: uint64(pa), CDW10: 1}
	cid := c.SubmitAdmin(identifyOpcode, cmd)
	if _, err := c.WaitAdminCompletion(cid, maxPolls); err != nil {
		return ControllerIdentity{}, err
	}

	id := ControllerIdentity{
		VID:           binary.LittleEndian.Uint16(buf[0:]),
		SSVID:         binary.LittleEndian.Uint16(buf[2:]),
		SerialNum:     string(buf[4:24]),
		ModelNum:      string(buf[24:64]),
		Firmware:      string(buf[64:72]),
		SQEntrySize:   buf[512],
		CQEntrySize:   buf[513],
		NumNamespaces: binary.LittleEndian.Uint32(buf[516:]),
	}
	c.identity = id
	return id, nil
}

// Namespace_t is one identified NVMe namespace, grounded on
// nvme_namespace_t.
type Namespace_t struct {
	Controller *Controller_t
	NSID       uint32
	LBACount   uint64
	LBASize    uint32
}

const identifyNamespaceOpcode = 0x06

// IdentifyNamespace issues the Identify Namespace admin command
// (CNS=0) for nsid and decodes NSZE/FLBAS/the active LBA format's data
// size, the namespace-scoped counterpart of IdentifyController.
func (c *Controller_t) IdentifyNamespace(nsid uint32, maxPolls int) (Namespace_t, error) {
	pa, ok := c.pm.AllocPages(1)
	if !ok {
		return Namespace_t{}, fmt.Errorf("nvme: identify namespace buffer: %w", unix.ENOMEM)
	}
	buf := c.pm.ArenaRef().Bytes(pa, 1)

	cmd := SubmissionEntry{PRP1: uint64(pa), NSID: nsid}
	cid := c.SubmitAdmin(identifyNamespaceOpcode, cmd)
	if _, err := c.WaitAdminCompletion(cid, maxPolls); err != nil {
		return Namespace_t{}, err
	}

	nsze := binary.LittleEndian.Uint64(buf[0:])
	flbas := buf[26] & 0xF
	lbafOff := 128 + int(flbas)*4
	lbads := (buf[lbafOff+2] >> 0) & 0xFF // LBA Data Size, a power-of-two exponent
	return Namespace_t{
		Controller: c,
		NSID:       nsid,
		LBACount:   nsze,
		LBASize:    uint32(1) << lbads,
	}, nil
}

// Init drives full bring-up — reset, admin queue creation, start,
// controller identify — in the order nvme_init performs it.
func Init(dev pci.Device_t, bar0 []byte, pm *mem.Phys_t, maxPolls int) (*Controller_t, error) {
	c := New(dev, bar0, pm)
	if err := c.Reset(); err != nil {
		return nil, err
	}
	if err := c.CreateAdminQueue(); err != defs.EOK {
		return nil, fmt.Errorf("nvme: create admin queue: %v", err)
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	if _, err := c.IdentifyController(maxPolls); err != nil {
		return nil, err
	}
	return c, nil
}
