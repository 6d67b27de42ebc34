package intc

import "fmt"

// The controller arbitrates in two levels. Six child arbiters each own a
// fixed list of main sources; the top arbiter chooses among the six children.
// Every arbiter has a rotation selector naming the input it visits first, and
// after a grant the selector moves to the input just past the winner, so a
// continuously pending input is passed over at most size-1 times.
var childArbiters = [...][]Source{
	{EINT0, EINT1, EINT2, EINT3},
	{EINT4to7, EINT8to23, reserved6, BattFlt, Tick, WDT},
	{Timer0, Timer1, Timer2, Timer3, Timer4, UART2},
	{LCD, DMA0, DMA1, DMA2, DMA3, SDI},
	{SPI0, UART1, reserved24, USBD, USBH, IIC},
	{UART0, SPI1, RTC, ADC},
}

const (
	numChildren = len(childArbiters)
	arbTop      = numChildren
	numArbiters = numChildren + 1
)

var (
	// childMasks[g] is the union of child g's inputs.
	childMasks [numChildren]uint32
	// childOrders[g][sel] lists child g's input slots in visiting order.
	childOrders [numChildren][][]int
	// topOrders[sel] lists child indices in visiting order.
	topOrders [][]int
)

func init() {
	var covered uint32
	for g, inputs := range childArbiters {
		for _, src := range inputs {
			if covered&src.Mask() != 0 {
				panic(fmt.Sprintf("intc: %s assigned to two arbiters", src))
			}
			covered |= src.Mask()
			childMasks[g] |= src.Mask()
		}
		childOrders[g] = rotations(len(inputs))
	}
	if covered != 0xffffffff {
		panic(fmt.Sprintf("intc: arbiters cover 0x%08x, not every source", covered))
	}
	topOrders = rotations(numChildren)
}

// rotations returns, for every start position, the visiting order of n
// inputs beginning at that position and wrapping.
func rotations(n int) [][]int {
	out := make([][]int, n)
	for start := range out {
		order := make([]int, n)
		for i := range order {
			order[i] = (start + i) % n
		}
		out[start] = order
	}
	return out
}

// arbiterSize returns how many inputs arbiter a has.
func arbiterSize(a int) int {
	if a == arbTop {
		return numChildren
	}
	return len(childArbiters[a])
}

// priority holds the seven rotation selectors in one word, three bits per
// arbiter: bits [3a, 3a+3) hold the selector of child a, bits [18, 21) the
// selector of the top arbiter. A selector is always below its arbiter's size.
type priority uint32

const (
	selectorBits = 3
	selectorMask = 1<<selectorBits - 1
	priorityBits = 1<<(selectorBits*numArbiters) - 1
)

func (p priority) sel(a int) int {
	return int(uint32(p)>>(selectorBits*a)) & selectorMask
}

func (p priority) with(a, sel int) priority {
	shift := selectorBits * a
	return priority(uint32(p)&^(selectorMask<<shift) | uint32(sel)<<shift)
}

// valid reports whether every selector is in range for its arbiter.
func (p priority) valid() bool {
	if uint32(p)&^priorityBits != 0 {
		return false
	}
	for a := 0; a < numArbiters; a++ {
		if p.sel(a) >= arbiterSize(a) {
			return false
		}
	}
	return true
}

// arbitrate picks one source out of candidates and returns the selectors
// rotated past the winner. ok is false only if no arbiter input matches.
func (p priority) arbitrate(candidates uint32) (src Source, next priority, ok bool) {
	for _, g := range topOrders[p.sel(arbTop)] {
		if candidates&childMasks[g] == 0 {
			continue
		}
		inputs := childArbiters[g]
		for _, slot := range childOrders[g][p.sel(g)] {
			src := inputs[slot]
			if candidates&src.Mask() == 0 {
				continue
			}
			next := p.
				with(arbTop, (g+1)%numChildren).
				with(g, (slot+1)%len(inputs))
			return src, next, true
		}
	}
	return 0, p, false
}
