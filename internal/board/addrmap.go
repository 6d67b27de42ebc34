package board

import "github.com/tinyrange/smdk2410/internal/devices/regfile"

// SDRAM bank nGCS6.
const RAMBase = 0x30000000

// Peripheral window bases.
const (
	CS8900Base  = 0x19000300
	MemCtlBase  = 0x48000000
	USBHostBase = 0x49000000
	INTCBase    = 0x4a000000
	DMABase     = 0x4b000000
	ClkPwrBase  = 0x4c000000
	LCDBase     = 0x4d000000
	NANDBase    = 0x4e000000
	UART0Base   = 0x50000000
	UARTStride  = 0x4000
	PWMBase     = 0x51000000
	USBDevBase  = 0x52000140
	WDTBase     = 0x53000000
	IICBase     = 0x54000000
	IISBase     = 0x55000000
	GPIOBase    = 0x56000000
	RTCBase     = 0x57000040
	ADCBase     = 0x58000000
	SPI0Base    = 0x59000000
	SPI1Base    = 0x59000020
	SDIBase     = 0x5a000000
)

// regBank is a peripheral mapped as a plain register file.
type regBank struct {
	name string
	base uint32
	size uint32
	regs []regfile.Register
}

func seq(names []string, start, reset uint32) []regfile.Register {
	out := make([]regfile.Register, len(names))
	for i, n := range names {
		out[i] = regfile.Register{Name: n, Offset: start + uint32(i)*4, Reset: reset}
	}
	return out
}

func spiRegs() []regfile.Register {
	return []regfile.Register{
		{Name: "SPCON", Offset: 0x00},
		{Name: "SPSTA", Offset: 0x04, Reset: 0x1, ReadOnly: true},
		{Name: "SPPIN", Offset: 0x08, Reset: 0x2},
		{Name: "SPPRE", Offset: 0x0c},
		{Name: "SPTDAT", Offset: 0x10},
		{Name: "SPRDAT", Offset: 0x14, Reset: 0xff, ReadOnly: true},
	}
}

var regBanks = []regBank{
	{
		name: "memctl", base: MemCtlBase, size: 0x34,
		regs: append(append(append(
			[]regfile.Register{{Name: "BWSCON", Offset: 0x00}},
			seq([]string{"BANKCON0", "BANKCON1", "BANKCON2", "BANKCON3", "BANKCON4", "BANKCON5"}, 0x04, 0x0700)...),
			seq([]string{"BANKCON6", "BANKCON7"}, 0x1c, 0x18008)...),
			regfile.Register{Name: "REFRESH", Offset: 0x24, Reset: 0xac0000},
			regfile.Register{Name: "BANKSIZE", Offset: 0x28},
			regfile.Register{Name: "MRSRB6", Offset: 0x2c},
			regfile.Register{Name: "MRSRB7", Offset: 0x30},
		),
	},
	{
		name: "usbhost", base: USBHostBase, size: 0x5c,
		regs: append([]regfile.Register{
			{Name: "HcRevision", Offset: 0x00, Reset: 0x10, ReadOnly: true},
		}, seq([]string{
			"HcControl", "HcCommonStatus", "HcInterruptStatus", "HcInterruptEnable",
			"HcInterruptDisable", "HcHCCA", "HcPeriodCuttentED", "HcControlHeadED",
			"HcControlCurrentED", "HcBulkHeadED", "HcBulkCurrentED", "HcDoneHead",
			"HcRmInterval", "HcFmRemaining", "HcFmNumber", "HcPeriodicStart",
			"HcLSThreshold", "HcRhDescriptorA", "HcRhDescriptorB", "HcRhStatus",
			"HcRhPortStatus1", "HcRhPortStatus2",
		}, 0x04, 0)...),
	},
	{
		name: "clkpwr", base: ClkPwrBase, size: 0x18,
		regs: []regfile.Register{
			{Name: "LOCKTIME", Offset: 0x00, Reset: 0x00ffffff},
			{Name: "MPLLCON", Offset: 0x04, Reset: 0x0005c080},
			{Name: "UPLLCON", Offset: 0x08, Reset: 0x00028080},
			{Name: "CLKCON", Offset: 0x0c, Reset: 0x7fff0},
			{Name: "CLKSLOW", Offset: 0x10, Reset: 0x4},
			{Name: "CLKDIVN", Offset: 0x14},
		},
	},
	{
		name: "lcd", base: LCDBase, size: 0x64,
		regs: append(append(
			seq([]string{"LCDCON1", "LCDCON2", "LCDCON3", "LCDCON4", "LCDCON5",
				"LCDSADDR1", "LCDSADDR2", "LCDSADDR3", "REDLUT", "GREENLUT", "BLUELUT"}, 0x00, 0),
			seq([]string{"DITHMODE", "TPAL", "LCDINTPND", "LCDSRCPND"}, 0x4c, 0)...),
			regfile.Register{Name: "LCDINTMSK", Offset: 0x5c, Reset: 0x3},
			regfile.Register{Name: "LPCSEL", Offset: 0x60, Reset: 0x4},
		),
	},
	{
		name: "nand", base: NANDBase, size: 0x18,
		regs: []regfile.Register{
			{Name: "NFCONF", Offset: 0x00},
			{Name: "NFCMD", Offset: 0x04},
			{Name: "NFADDR", Offset: 0x08},
			{Name: "NFDATA", Offset: 0x0c},
			{Name: "NFSTAT", Offset: 0x10, Reset: 0x1, ReadOnly: true},
			{Name: "NFECC", Offset: 0x14, ReadOnly: true},
		},
	},
	{
		name: "usbdev", base: USBDevBase, size: 0x130,
		regs: []regfile.Register{
			{Name: "FUNC_ADDR_REG", Offset: 0x00},
			{Name: "PWR_REG", Offset: 0x04},
			{Name: "EP_INT_REG", Offset: 0x08},
			{Name: "USB_INT_REG", Offset: 0x18},
			{Name: "EP_INT_EN_REG", Offset: 0x1c, Reset: 0xff},
			{Name: "USB_INT_EN_REG", Offset: 0x2c, Reset: 0x04},
			{Name: "FRAME_NUM1_REG", Offset: 0x30, ReadOnly: true},
			{Name: "FRAME_NUM2_REG", Offset: 0x34, ReadOnly: true},
			{Name: "INDEX_REG", Offset: 0x38},
			{Name: "EP0_CSR", Offset: 0x44},
			{Name: "IN_CSR2_REG", Offset: 0x48, Reset: 0x20},
			{Name: "MAXP_REG", Offset: 0x4c, Reset: 0x01},
			{Name: "OUT_CSR1_REG", Offset: 0x50},
			{Name: "OUT_CSR2_REG", Offset: 0x54},
			{Name: "OUT_FIFO_CNT1_REG", Offset: 0x58, ReadOnly: true},
			{Name: "OUT_FIFO_CNT2_REG", Offset: 0x5c, ReadOnly: true},
		},
	},
	{
		name: "wdt", base: WDTBase, size: 0x0c,
		regs: []regfile.Register{
			{Name: "WTCON", Offset: 0x00, Reset: 0x8021},
			{Name: "WTDAT", Offset: 0x04, Reset: 0x8000},
			{Name: "WTCNT", Offset: 0x08, Reset: 0x8000},
		},
	},
	{
		name: "iic", base: IICBase, size: 0x10,
		regs: seq([]string{"IICCON", "IICSTAT", "IICADD", "IICDS"}, 0x00, 0),
	},
	{
		name: "adc", base: ADCBase, size: 0x14,
		regs: []regfile.Register{
			{Name: "ADCCON", Offset: 0x00, Reset: 0x3fc4},
			{Name: "ADCTSC", Offset: 0x04, Reset: 0x58},
			{Name: "ADCDLY", Offset: 0x08, Reset: 0xff},
			{Name: "ADCDAT0", Offset: 0x0c, ReadOnly: true},
			{Name: "ADCDAT1", Offset: 0x10, ReadOnly: true},
		},
	},
	{name: "spi0", base: SPI0Base, size: 0x18, regs: spiRegs()},
	{name: "spi1", base: SPI1Base, size: 0x18, regs: spiRegs()},
	{
		name: "sdi", base: SDIBase, size: 0x44,
		regs: append(append(
			seq([]string{"SDICON", "SDIPRE", "SDICARG", "SDICCON", "SDICSTA",
				"SDIRSP0", "SDIRSP1", "SDIRSP2", "SDIRSP3"}, 0x00, 0),
			regfile.Register{Name: "SDIDTIMER", Offset: 0x24, Reset: 0x2000}),
			seq([]string{"SDIBSIZE", "SDIDCON", "SDIDCNT", "SDIDSTA", "SDIFSTA", "SDIDAT", "SDIIMSK"}, 0x28, 0)...,
		),
	},
}
