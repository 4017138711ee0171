package bus

import "sync/atomic"

// Stats collects the engine's operational counters. All fields are updated
// atomically so the queue, ingest loop and dispatcher can share one instance.
type Stats struct {
	enqueued          atomic.Int64
	dispatched        atomic.Int64
	droppedOverload   atomic.Int64
	droppedOnShutdown atomic.Int64
	handlerFaults     atomic.Int64
	sendFailures      atomic.Int64
	skippedMalformed  atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Enqueued          int64 `json:"enqueued"`
	Dispatched        int64 `json:"dispatched"`
	DroppedOverload   int64 `json:"dropped_overload"`
	DroppedOnShutdown int64 `json:"dropped_on_shutdown"`
	HandlerFaults     int64 `json:"handler_faults"`
	SendFailures      int64 `json:"send_failures"`
	SkippedMalformed  int64 `json:"skipped_malformed"`
}

func (s *Stats) AddEnqueued()          { s.enqueued.Add(1) }
func (s *Stats) AddDispatched()        { s.dispatched.Add(1) }
func (s *Stats) AddDroppedOverload()   { s.droppedOverload.Add(1) }
func (s *Stats) AddDroppedOnShutdown() { s.droppedOnShutdown.Add(1) }
func (s *Stats) AddHandlerFault()      { s.handlerFaults.Add(1) }
func (s *Stats) AddSendFailure()       { s.sendFailures.Add(1) }
func (s *Stats) AddSkippedMalformed()  { s.skippedMalformed.Add(1) }

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Enqueued:          s.enqueued.Load(),
		Dispatched:        s.dispatched.Load(),
		DroppedOverload:   s.droppedOverload.Load(),
		DroppedOnShutdown: s.droppedOnShutdown.Load(),
		HandlerFaults:     s.handlerFaults.Load(),
		SendFailures:      s.sendFailures.Load(),
		SkippedMalformed:  s.skippedMalformed.Load(),
	}
}
