package gpu

import "fmt"

// PCI vendor ids of GPU makers.
const (
	VendorAMD       uint16 = 0x1002
	VendorIntel     uint16 = 0x8086
	VendorNvidia    uint16 = 0x10de
	VendorARM       uint16 = 0x13b5
	VendorQualcomm  uint16 = 0x5143
	VendorBroadcom  uint16 = 0x1166
	VendorVMware    uint16 = 0x15ad
	VendorGoogle    uint16 = 0x1ae0
	VendorApple     uint16 = 0x106b
	VendorSamsung   uint16 = 0x144d
	VendorMicrosoft uint16 = 0x1414
	VendorZTE       uint16 = 0x1cf2
	VendorRedHat    uint16 = 0x1af4
)

var vendorNames = map[uint16]string{
	VendorAMD:       "AMD",
	VendorIntel:     "Intel",
	VendorNvidia:    "Nvidia",
	VendorARM:       "ARM",
	VendorQualcomm:  "Qualcomm",
	VendorBroadcom:  "Broadcom",
	VendorVMware:    "VMware",
	VendorGoogle:    "Google",
	VendorApple:     "Apple",
	VendorSamsung:   "Samsung",
	VendorMicrosoft: "Microsoft",
	VendorZTE:       "ZTE",
	VendorRedHat:    "Red Hat (virtio)",
}

// VendorName returns a display name for a PCI vendor id.
func VendorName(id uint16) string {
	if name, ok := vendorNames[id]; ok {
		return name
	}
	if id == 0 {
		return "unknown"
	}
	return fmt.Sprintf("vendor %#04x", id)
}
