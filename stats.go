package wiremsg

import "sync/atomic"

// Statistics tracks byte and message counters for a Conn, measured at the
// application payload level (not counting protocol framing bytes).
type Statistics struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
	Errors     uint64
}

// Stats returns a snapshot of the connection's counters.
func (nc *Conn) Stats() Statistics {
	return Statistics{
		InMsgs:     atomic.LoadUint64(&nc.stats.InMsgs),
		OutMsgs:    atomic.LoadUint64(&nc.stats.OutMsgs),
		InBytes:    atomic.LoadUint64(&nc.stats.InBytes),
		OutBytes:   atomic.LoadUint64(&nc.stats.OutBytes),
		Reconnects: atomic.LoadUint64(&nc.stats.Reconnects),
		Errors:     atomic.LoadUint64(&nc.stats.Errors),
	}
}
