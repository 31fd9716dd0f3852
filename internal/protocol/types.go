package protocol

// Listener ports expected by unmodified drivers.
const (
	DefaultAndroidPort = 16678
	DefaultHIDPort     = 56668
)

// LoopbackIP is the only listen address for which drivers are spawned locally.
const LoopbackIP = "127.0.0.1"
