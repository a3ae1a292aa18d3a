package register

import "github.com/notnil/servolink/codec"

// Identifiers of the registers needed before a dictionary is loaded.
const (
	StatusWord     = "DRV_STATE_STATUS"
	ControlWord    = "DRV_STATE_CONTROL"
	StoreAll       = "DRV_STORE_COCO_ALL"
	RestoreAll     = "DRV_RESTORE_COCO_ALL"
	ProgramControl = "CIA302_BL_PROGRAM_CONTROL_1"
	ProgramData    = "CIA302_BL_PROGRAM_DATA"
	ForceBoot      = "DRV_BOOT_COCO_FORCE"
	DeviceType     = "DRV_ID_DEVICE_TYPE"
	ProductCode    = "DRV_ID_PRODUCT_CODE_COCO"
	RevisionNumber = "DRV_ID_REVISION_NUMBER_COCO"
)

// Magic values written to the store, restore and force-boot registers.
const (
	StorePassword     uint32 = 0x65766173 // "save"
	RestorePassword   uint32 = 0x64616F6C // "load"
	ForceBootPassword uint32 = 0x424F4F54 // "BOOT"
)

// Axis object offset between consecutive subnodes of a CANopen drive.
const canAxisStride = 0x800

// CANBootstrap returns the bootstrap registers of a CANopen or CoE drive with
// the given number of axes.
func CANBootstrap(axes int) *Dictionary {
	d := NewDictionary()
	add := func(cfg Config) { _ = d.Add(MustNew(cfg)) }
	can := func(index uint16, sub uint8) CANAddress { return CANAddress{Index: index, Subindex: sub} }

	add(Config{ID: StoreAll, Address: can(0x1010, 1), Access: WriteOnly, DType: codec.U32})
	add(Config{ID: RestoreAll, Address: can(0x1011, 1), Access: WriteOnly, DType: codec.U32})
	add(Config{ID: ProgramControl, Address: can(0x1F51, 1), Access: ReadWrite, DType: codec.U8})
	add(Config{ID: ProgramData, Address: can(0x1F50, 1), Access: WriteOnly, DType: codec.Domain})
	add(Config{ID: ForceBoot, Address: can(0x5EDE, 0), Access: WriteOnly, DType: codec.U32})
	add(Config{ID: DeviceType, Address: can(0x1000, 0), Access: ReadOnly, DType: codec.U32})
	add(Config{ID: ProductCode, Address: can(0x1018, 2), Access: ReadOnly, DType: codec.U32})
	add(Config{ID: RevisionNumber, Address: can(0x1018, 3), Access: ReadOnly, DType: codec.U32})
	for n := 1; n <= axes; n++ {
		off := uint16(canAxisStride * (n - 1))
		sub := uint8(n)
		add(Config{ID: StatusWord, Address: can(0x6041+off, 0), Subnode: sub, Access: ReadOnly, DType: codec.U16})
		add(Config{ID: ControlWord, Address: can(0x6040+off, 0), Subnode: sub, Access: ReadWrite, DType: codec.U16})
		add(Config{ID: StoreAll, Address: can(0x26DB+off, 0), Subnode: sub, Access: WriteOnly, DType: codec.U32})
	}
	return d
}

// MCBBootstrap returns the bootstrap registers of an Ethernet (MCB) drive.
// The subnode travels in the frame header, so every axis shares addresses.
func MCBBootstrap(axes int) *Dictionary {
	d := NewDictionary()
	add := func(cfg Config) { _ = d.Add(MustNew(cfg)) }

	add(Config{ID: StoreAll, Address: MCBAddress(0x06DB), Access: WriteOnly, DType: codec.U32})
	add(Config{ID: RestoreAll, Address: MCBAddress(0x06DC), Access: WriteOnly, DType: codec.U32})
	add(Config{ID: ForceBoot, Address: MCBAddress(0x06DE), Access: WriteOnly, DType: codec.U32})
	add(Config{ID: ProductCode, Address: MCBAddress(0x06E1), Access: ReadOnly, DType: codec.U32})
	add(Config{ID: RevisionNumber, Address: MCBAddress(0x06E2), Access: ReadOnly, DType: codec.U32})
	for n := 1; n <= axes; n++ {
		sub := uint8(n)
		add(Config{ID: StatusWord, Address: MCBAddress(0x011), Subnode: sub, Access: ReadOnly, DType: codec.U16})
		add(Config{ID: ControlWord, Address: MCBAddress(0x010), Subnode: sub, Access: ReadWrite, DType: codec.U16})
		add(Config{ID: StoreAll, Address: MCBAddress(0x06DB), Subnode: sub, Access: WriteOnly, DType: codec.U32})
	}
	return d
}
