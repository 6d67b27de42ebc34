package hv

// Checkpoint file format constants
const (
	CheckpointMagic   uint32 = 0x4b343253 // "S24K"
	CheckpointVersion uint32 = 2
)
