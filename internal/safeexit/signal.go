package safeexit

import (
	"os"
	"os/signal"
	"syscall"
)

// signalNotify wires SIGINT, SIGTERM and SIGHUP — the three signals spec.md §5
// requires the process layer to translate into a stop flag plus graceful
// subprocess termination.
func signalNotify(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}
