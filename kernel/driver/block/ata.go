package block

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
)

// ATA (IDE) PIO-mode register layout, offsets from a bus's base I/O port.
// Grounded on original_source/kernel/include/kernel/ata.h.
const (
	regData         = uint16(0x00)
	regSectorCount  = uint16(0x02)
	regLBALow       = uint16(0x03)
	regLBAMid       = uint16(0x04)
	regLBAHigh      = uint16(0x05)
	regDriveSelect  = uint16(0x06)
	regStatus       = uint16(0x07)
	regCommand      = uint16(0x07)

	statusErr = uint8(0x01)
	statusDRQ = uint8(0x08)
	statusRDY = uint8(0x40)
	statusBSY = uint8(0x80)

	cmdReadPIO    = uint8(0x20)
	cmdWritePIO   = uint8(0x30)
	cmdCacheFlush = uint8(0xE7)
	cmdIdentify   = uint8(0xEC)
)

// Bus base and control ports for the two IDE buses a PC motherboard wires
// up. Grounded on original_source/kernel/include/kernel/ata.h.
const (
	PrimaryIO      = uint16(0x1F0)
	PrimaryControl = uint16(0x3F6)
	SecondaryIO    = uint16(0x170)
	SecondaryControl = uint16(0x376)

	DriveMaster = uint8(0)
	DriveSlave  = uint8(1)
)

// outbFn, inbFn, outwFn and inwFn are package vars wrapping the asm-declared
// port I/O primitives so the wait loops and sector transfer logic below can
// be exercised by tests without touching real hardware ports, the same
// pattern kernel/irq/pic.go uses for the 8259.
var (
	outbFn = cpu.Outb
	inbFn  = cpu.Inb
	outwFn = cpu.Outw
	inwFn  = cpu.Inw
)

var errNotReady = &kernel.Error{Module: "ata", Message: "drive not ready"}
var errDRQTimeout = &kernel.Error{Module: "ata", Message: "drive did not assert DRQ"}
var errDriveFault = &kernel.Error{Module: "ata", Message: "drive reported an error"}
var errNoDrive = &kernel.Error{Module: "ata", Message: "no drive present"}

// waitIterations bounds the busy-wait loops below; there is no timer
// available this early in boot; a fixed iteration count stands in for
// ata_wait_ready/ata_wait_drq's millisecond timeout in
// original_source/kernel/drivers/ata.c.
const waitIterations = 100000

func waitReady(baseIO uint16) *kernel.Error {
	for i := 0; i < waitIterations; i++ {
		status := inbFn(baseIO + regStatus)
		if status&statusBSY == 0 && status&statusRDY != 0 {
			return nil
		}
	}
	return errNotReady
}

func waitDRQ(baseIO uint16) *kernel.Error {
	for i := 0; i < waitIterations; i++ {
		status := inbFn(baseIO + regStatus)
		if status&statusErr != 0 {
			return errDriveFault
		}
		if status&statusDRQ != 0 {
			return nil
		}
	}
	return errDRQTimeout
}

// Drive identifies one of the up to two drives (master/slave) on an IDE
// bus and implements the Device capability record against it via PIO.
// Grounded on original_source/kernel/drivers/ata.c's ata_device_t and its
// block_device_t adapter functions.
type Drive struct {
	baseIO  uint16
	control uint16
	drive   uint8

	Exists bool
	Model  string
	Size   uint64 // sectors
}

// Identify probes the drive, populating Exists/Model/Size on success.
// Grounded on ata_identify.
func (d *Drive) Identify(baseIO, control uint16, drive uint8) {
	d.baseIO, d.control, d.drive = baseIO, control, drive

	outbFn(baseIO+regDriveSelect, 0xA0|(drive<<4))
	for i := 0; i < 1000; i++ {
	}
	outbFn(baseIO+regCommand, cmdIdentify)

	if inbFn(baseIO+regStatus) == 0 {
		return // no drive on this bus/position
	}
	if waitReady(baseIO) != nil || waitDRQ(baseIO) != nil {
		return
	}

	var words [256]uint16
	for i := range words {
		words[i] = inwFn(baseIO + regData)
	}

	var lba48 uint64
	if words[83]&(1<<10) != 0 {
		lba48 = uint64(words[103])<<48 | uint64(words[102])<<32 | uint64(words[101])<<16 | uint64(words[100])
	} else {
		lba48 = uint64(words[61])<<16 | uint64(words[60])
	}
	d.Size = lba48

	model := make([]byte, 0, 40)
	for i := 0; i < 20; i++ {
		w := words[27+i]
		model = append(model, byte(w>>8), byte(w))
	}
	for len(model) > 0 && model[len(model)-1] == ' ' {
		model = model[:len(model)-1]
	}
	d.Model = string(model)
	d.Exists = true
}

func (d *Drive) selectLBA(lba uint64) {
	outbFn(d.baseIO+regDriveSelect, 0xE0|(d.drive<<4)|uint8((lba>>24)&0x0F))
	outbFn(d.baseIO+regSectorCount, 1)
	outbFn(d.baseIO+regLBALow, uint8(lba))
	outbFn(d.baseIO+regLBAMid, uint8(lba>>8))
	outbFn(d.baseIO+regLBAHigh, uint8(lba>>16))
}

// ReadSectors reads count sectors starting at lba into buf. Grounded on
// ata_read_sectors.
func (d *Drive) ReadSectors(lba uint64, count uint32, buf []byte) *kernel.Error {
	if !d.Exists {
		return errNoDrive
	}
	for i := uint32(0); i < count; i++ {
		if err := waitReady(d.baseIO); err != nil {
			return err
		}
		d.selectLBA(lba)
		outbFn(d.baseIO+regCommand, cmdReadPIO)
		if err := waitDRQ(d.baseIO); err != nil {
			return err
		}
		sector := buf[int(i)*SectorSize : int(i+1)*SectorSize]
		for j := 0; j < SectorSize/2; j++ {
			w := inwFn(d.baseIO + regData)
			sector[j*2] = byte(w)
			sector[j*2+1] = byte(w >> 8)
		}
		lba++
	}
	return nil
}

// WriteSectors writes count sectors starting at lba from buf. Grounded on
// ata_write_sectors.
func (d *Drive) WriteSectors(lba uint64, count uint32, buf []byte) *kernel.Error {
	if !d.Exists {
		return errNoDrive
	}
	for i := uint32(0); i < count; i++ {
		if err := waitReady(d.baseIO); err != nil {
			return err
		}
		d.selectLBA(lba)
		outbFn(d.baseIO+regCommand, cmdWritePIO)
		if err := waitDRQ(d.baseIO); err != nil {
			return err
		}
		sector := buf[int(i)*SectorSize : int(i+1)*SectorSize]
		for j := 0; j < SectorSize/2; j++ {
			w := uint16(sector[j*2]) | uint16(sector[j*2+1])<<8
			outwFn(d.baseIO+regData, w)
		}
		outbFn(d.baseIO+regCommand, cmdCacheFlush)
		waitReady(d.baseIO)
		lba++
	}
	return nil
}

// AsDevice wraps the Drive in the generic Device capability record so
// filesystems never need to know they are talking to ATA specifically.
func (d *Drive) AsDevice(name string) *Device {
	return &Device{
		Name:       name,
		BlockSize:  SectorSize,
		BlockCount: d.Size,
		ReadOne: func(lba uint64, buf []byte) *kernel.Error {
			return d.ReadSectors(lba, 1, buf)
		},
		WriteOne: func(lba uint64, buf []byte) *kernel.Error {
			return d.WriteSectors(lba, 1, buf)
		},
		ReadMany: func(lba uint64, count uint32, buf []byte) *kernel.Error {
			return d.ReadSectors(lba, count, buf)
		},
		WriteMany: func(lba uint64, count uint32, buf []byte) *kernel.Error {
			return d.WriteSectors(lba, count, buf)
		},
	}
}

// busPosition is one (bus, drive) pairing this driver probes at boot.
type busPosition struct {
	name    string
	baseIO  uint16
	control uint16
	drive   uint8
}

var buses = [4]busPosition{
	{"hda", PrimaryIO, PrimaryControl, DriveMaster},
	{"hdb", PrimaryIO, PrimaryControl, DriveSlave},
	{"hdc", SecondaryIO, SecondaryControl, DriveMaster},
	{"hdd", SecondaryIO, SecondaryControl, DriveSlave},
}

// ProbeAll identifies all four conventional IDE bus positions and
// registers whichever drives respond as block Devices. Grounded on
// ata_init.
func ProbeAll() []*Drive {
	var found []*Drive
	for _, pos := range buses {
		d := &Drive{}
		d.Identify(pos.baseIO, pos.control, pos.drive)
		if d.Exists {
			Register(d.AsDevice(pos.name))
			found = append(found, d)
		}
	}
	return found
}
