package intc

import "fmt"

// Source is one of the 32 main interrupt inputs. Its value is the bit index
// in SRCPND, INTMSK and INTPND.
type Source uint8

const (
	EINT0 Source = iota
	EINT1
	EINT2
	EINT3
	EINT4to7
	EINT8to23
	reserved6
	BattFlt
	Tick
	WDT
	Timer0
	Timer1
	Timer2
	Timer3
	Timer4
	UART2
	LCD
	DMA0
	DMA1
	DMA2
	DMA3
	SDI
	SPI0
	UART1
	reserved24
	USBD
	USBH
	IIC
	UART0
	SPI1
	RTC
	ADC

	numSources = 32
)

var sourceNames = [numSources]string{
	"EINT0", "EINT1", "EINT2", "EINT3", "EINT4_7", "EINT8_23", "RESERVED6", "BATT_FLT",
	"TICK", "WDT", "TIMER0", "TIMER1", "TIMER2", "TIMER3", "TIMER4", "UART2",
	"LCD", "DMA0", "DMA1", "DMA2", "DMA3", "SDI", "SPI0", "UART1",
	"RESERVED24", "USBD", "USBH", "IIC", "UART0", "SPI1", "RTC", "ADC",
}

// Mask returns the source's bit.
func (s Source) Mask() uint32 { return 1 << s }

func (s Source) String() string {
	if s < numSources {
		return sourceNames[s]
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// SubSource is one of the 11 finer-grained inputs behind the UART and ADC
// main sources. Its value is the bit index in SUBSRCPND and INTSUBMSK.
type SubSource uint8

const (
	SubRXD0 SubSource = iota
	SubTXD0
	SubERR0
	SubRXD1
	SubTXD1
	SubERR1
	SubRXD2
	SubTXD2
	SubERR2
	SubTC
	SubADC

	numSubSources = 11
	subSourceBits = 1<<numSubSources - 1
)

var subSourceNames = [numSubSources]string{
	"RXD0", "TXD0", "ERR0", "RXD1", "TXD1", "ERR1", "RXD2", "TXD2", "ERR2", "TC", "ADC_S",
}

// Mask returns the sub-source's bit.
func (s SubSource) Mask() uint32 { return 1 << s }

func (s SubSource) String() string {
	if s < numSubSources {
		return subSourceNames[s]
	}
	return fmt.Sprintf("subsource(%d)", uint8(s))
}

// UARTSubSources returns the RX, TX and error sub-sources of UART n.
func UARTSubSources(n int) (rx, tx, err SubSource) {
	base := SubSource(3 * n)
	return base, base + 1, base + 2
}

// UARTSource returns the main source of UART n.
func UARTSource(n int) Source {
	return [...]Source{UART0, UART1, UART2}[n]
}

// rollup ties a set of sub-sources to the main source they force.
type rollup struct {
	subs uint32
	main Source
}

var rollups = [...]rollup{
	{subs: SubRXD0.Mask() | SubTXD0.Mask() | SubERR0.Mask(), main: UART0},
	{subs: SubRXD1.Mask() | SubTXD1.Mask() | SubERR1.Mask(), main: UART1},
	{subs: SubRXD2.Mask() | SubTXD2.Mask() | SubERR2.Mask(), main: UART2},
	{subs: SubTC.Mask() | SubADC.Mask(), main: ADC},
}
