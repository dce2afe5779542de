package changer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCleaningMedia   = errors.New("changer: refusing to load cleaning media")
	ErrMediaInIEPort   = errors.New("changer: media is in an import/export slot, cannot load directly")
	ErrMediaNotFound   = errors.New("changer: no slot holds the requested media")
	ErrDriveNotFound   = errors.New("changer: no such drive element")
	ErrNoFreeSlot      = errors.New("changer: no free storage slot available")
	ErrNoFreeIESlot    = errors.New("changer: no free import/export slot available")
	ErrNoCleaningMedia = errors.New("changer: no cleaning media available in library")
)

// cleaningMediaPrefix identifies cleaning cartridges by volume tag, per
// §4.10 ("reject cleaning media (text begins with CLN)").
const cleaningMediaPrefix = "CLN"

// elementSource is the raw status/move-medium surface a Changer drives.
// *Device satisfies it directly; tests substitute a fake to exercise the
// composed operations without a real SCSI changer.
type elementSource interface {
	Status() (Status, error)
	MoveMedium(transport, from, to ElementAddress) error
}

// Changer composes the raw element-status/move-medium primitives into the
// higher-level operations §4.10 describes (load_media, unload_to_free_slot,
// export_media, clean_drive). It remembers, per drive, which storage slot
// a cartridge was loaded from, so an incumbent can be returned home rather
// than dropped in an arbitrary free slot.
type Changer struct {
	dev        elementSource
	transport  ElementAddress
	originSlot map[ElementAddress]ElementAddress // drive address -> home slot
}

// New wraps dev, using transport as the robot/transport element address
// passed to every MOVE MEDIUM command.
func New(dev elementSource, transport ElementAddress) *Changer {
	return &Changer{dev: dev, transport: transport, originSlot: make(map[ElementAddress]ElementAddress)}
}

func (c *Changer) Status() (Status, error) { return c.dev.Status() }

func (c *Changer) transfer(from, to ElementAddress) error {
	return c.dev.MoveMedium(c.transport, from, to)
}

// LoadFromSlot loads the media in slot into drive.
func (c *Changer) LoadFromSlot(slot, drive ElementAddress) error {
	if err := c.transfer(slot, drive); err != nil {
		return err
	}
	c.originSlot[drive] = slot
	return nil
}

// Unload moves whatever is in drive to target. If target is the zero
// value, UnloadToFreeSlot's slot-selection logic is used instead.
func (c *Changer) Unload(drive ElementAddress, target *ElementAddress) error {
	if target != nil {
		if err := c.transfer(drive, *target); err != nil {
			return err
		}
		delete(c.originSlot, drive)
		return nil
	}
	return c.UnloadToFreeSlot(drive)
}

// Transfer moves media directly between two arbitrary elements.
func (c *Changer) Transfer(from, to ElementAddress) error {
	return c.transfer(from, to)
}

func findDrive(st Status, addr ElementAddress) (Drive, bool) {
	for _, d := range st.Drives {
		if d.Address == addr {
			return d, true
		}
	}
	return Drive{}, false
}

func findSlotByTag(st Status, tag string) (Slot, bool) {
	for _, s := range st.Slots {
		if s.State.Full && s.State.VolumeTag == tag {
			return s, true
		}
	}
	return Slot{}, false
}

func firstFreeSlot(st Status, importExport bool) (Slot, bool) {
	for _, s := range st.Slots {
		if s.ImportExport == importExport && !s.State.Full {
			return s, true
		}
	}
	return Slot{}, false
}

// LoadMedia loads the cartridge identified by labelText into drive,
// per §4.10:
//   - cleaning media (label starts with "CLN") is rejected outright;
//   - already loaded in the target drive: no-op success;
//   - found sitting in an import/export slot: fails, since IE media isn't
//     considered available for direct loading;
//   - an incumbent cartridge in drive is unloaded first, to its recorded
//     origin slot or else the first free storage slot.
func (c *Changer) LoadMedia(labelText string, drive ElementAddress) error {
	if strings.HasPrefix(labelText, cleaningMediaPrefix) {
		return ErrCleaningMedia
	}

	st, err := c.Status()
	if err != nil {
		return err
	}
	d, ok := findDrive(st, drive)
	if !ok {
		return ErrDriveNotFound
	}
	if d.State.Full && d.State.VolumeTag == labelText {
		return nil
	}

	target, ok := findSlotByTag(st, labelText)
	if !ok {
		return ErrMediaNotFound
	}
	if target.ImportExport {
		return ErrMediaInIEPort
	}

	if d.State.Full {
		if err := c.UnloadToFreeSlot(drive); err != nil {
			return fmt.Errorf("changer: unloading incumbent from drive %d: %w", drive, err)
		}
		// status is now stale (§4.10: re-read after every transfer).
		st, err = c.Status()
		if err != nil {
			return err
		}
		target, ok = findSlotByTag(st, labelText)
		if !ok {
			return ErrMediaNotFound
		}
	}

	return c.LoadFromSlot(target.Address, drive)
}

// UnloadToFreeSlot unloads drive's media to its recorded origin slot, or
// else the first empty non-IE storage slot.
func (c *Changer) UnloadToFreeSlot(drive ElementAddress) error {
	st, err := c.Status()
	if err != nil {
		return err
	}
	d, ok := findDrive(st, drive)
	if !ok {
		return ErrDriveNotFound
	}
	if !d.State.Full {
		return nil
	}

	if origin, ok := c.originSlot[drive]; ok {
		if err := c.transfer(drive, origin); err != nil {
			return err
		}
		delete(c.originSlot, drive)
		return nil
	}

	slot, ok := firstFreeSlot(st, false)
	if !ok {
		return ErrNoFreeSlot
	}
	if err := c.transfer(drive, slot.Address); err != nil {
		return err
	}
	delete(c.originSlot, drive)
	return nil
}

// ExportMedia moves the cartridge identified by labelText to the first
// empty import/export slot.
func (c *Changer) ExportMedia(labelText string) error {
	st, err := c.Status()
	if err != nil {
		return err
	}
	src, ok := findSlotByTag(st, labelText)
	if !ok {
		return ErrMediaNotFound
	}
	dst, ok := firstFreeSlot(st, true)
	if !ok {
		return ErrNoFreeIESlot
	}
	return c.transfer(src.Address, dst.Address)
}

// CleanDrive loads the first available cleaning cartridge into drive,
// then unloads it back to its home slot.
func (c *Changer) CleanDrive(drive ElementAddress) error {
	st, err := c.Status()
	if err != nil {
		return err
	}
	var cleaningTag string
	found := false
	for _, s := range st.Slots {
		if s.State.Full && strings.HasPrefix(s.State.VolumeTag, cleaningMediaPrefix) {
			cleaningTag = s.State.VolumeTag
			found = true
			break
		}
	}
	if !found {
		return ErrNoCleaningMedia
	}

	target, ok := findSlotByTag(st, cleaningTag)
	if !ok {
		return ErrNoCleaningMedia
	}
	if err := c.LoadFromSlot(target.Address, drive); err != nil {
		return fmt.Errorf("changer: loading cleaning media: %w", err)
	}
	return c.UnloadToFreeSlot(drive)
}
