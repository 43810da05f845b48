package mic

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/eeknova-voice/internal/bus"
)

// Lease records an exclusive grant of the microphone to one consumer.
type Lease struct {
	ID        string
	Consumer  Consumer
	Priority  Priority
	GrantedAt time.Time
}

// Request asks the arbiter for an exclusive lease.
//
// Revoke is called synchronously when a higher-priority consumer preempts
// the lease; it must fully tear down the holder's device handle before
// returning, and must not call back into the arbiter (the arbiter removes
// the lease itself).
//
// Notify is called after the microphone frees up, once a denied or revoked
// consumer may try again. Consumers re-request from Notify instead of
// polling.
type Request struct {
	Consumer Consumer
	Priority Priority
	Revoke   func()
	Notify   func()
}

// Arbiter enforces the single-holder rule over the microphone device.
// Grants and revokes are strictly serialized under one mutex: no two leases
// are ever simultaneously active, even momentarily.
type Arbiter struct {
	mu     sync.Mutex
	holder *heldLease
	parked map[Consumer]Request

	bus    *bus.EventBus
	logger zerolog.Logger
}

type heldLease struct {
	lease  Lease
	revoke func()
	notify func()
}

// NewArbiter creates a microphone arbiter.
func NewArbiter(eventBus *bus.EventBus, logger zerolog.Logger) *Arbiter {
	return &Arbiter{
		parked: make(map[Consumer]Request),
		bus:    eventBus,
		logger: logger.With().Str("component", "mic-arbiter").Logger(),
	}
}

// Request grants or denies a lease. A denied request is parked; its Notify
// callback fires when the device frees up.
func (a *Arbiter) Request(req Request) (Lease, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	previous := ""
	if a.holder != nil {
		if a.holder.lease.Consumer == req.Consumer {
			// Re-request by the current holder is a no-op grant.
			return a.holder.lease, true
		}

		if req.Priority <= a.holder.lease.Priority {
			a.logger.Debug().
				Str("consumer", string(req.Consumer)).
				Str("holder", string(a.holder.lease.Consumer)).
				Msg("lease denied, parking consumer")
			a.parked[req.Consumer] = req
			return Lease{}, false
		}

		// Preemption: the current holder must fully release the device
		// before the new lease exists.
		preempted := a.holder
		previous = string(preempted.lease.Consumer)
		a.logger.Info().
			Str("consumer", string(req.Consumer)).
			Str("preempted", string(preempted.lease.Consumer)).
			Msg("revoking lease for higher-priority consumer")
		if preempted.revoke != nil {
			preempted.revoke()
		}
		a.holder = nil
		if preempted.notify != nil {
			// Revoked holders come back when the device frees up again.
			a.parked[preempted.lease.Consumer] = Request{
				Consumer: preempted.lease.Consumer,
				Priority: preempted.lease.Priority,
				Revoke:   preempted.revoke,
				Notify:   preempted.notify,
			}
		}
	}

	delete(a.parked, req.Consumer)

	lease := Lease{
		ID:        uuid.NewString(),
		Consumer:  req.Consumer,
		Priority:  req.Priority,
		GrantedAt: time.Now(),
	}
	a.holder = &heldLease{lease: lease, revoke: req.Revoke, notify: req.Notify}

	a.logger.Info().Str("consumer", string(req.Consumer)).Msg("lease granted")
	a.publishChange(string(req.Consumer), previous)
	return lease, true
}

// Release frees the lease held by consumer and wakes the highest-priority
// parked consumer. Releasing a lease you do not hold is a no-op.
func (a *Arbiter) Release(consumer Consumer) {
	a.release(consumer, 0)
}

// ReleaseAfter frees the lease immediately but delays waking parked
// consumers, giving the platform time to finish tearing the device down.
func (a *Arbiter) ReleaseAfter(consumer Consumer, delay time.Duration) {
	a.release(consumer, delay)
}

func (a *Arbiter) release(consumer Consumer, notifyDelay time.Duration) {
	a.mu.Lock()
	if a.holder == nil || a.holder.lease.Consumer != consumer {
		delete(a.parked, consumer)
		a.mu.Unlock()
		return
	}

	previous := string(a.holder.lease.Consumer)
	a.holder = nil
	a.logger.Info().Str("consumer", previous).Msg("lease released")
	a.mu.Unlock()

	a.publishChange("", previous)

	if notifyDelay > 0 {
		time.AfterFunc(notifyDelay, a.notifyParked)
	} else {
		a.notifyParked()
	}
}

// Holder returns the current lease holder, if any.
func (a *Arbiter) Holder() (Consumer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder == nil {
		return "", false
	}
	return a.holder.lease.Consumer, true
}

// notifyParked wakes parked consumers in priority order until one of them
// takes the lease or none are left. A consumer re-requests from its Notify
// callback, so notification happens off the arbiter lock; a consumer that
// declines (its Notify returns without acquiring) must not starve the rest.
func (a *Arbiter) notifyParked() {
	for {
		a.mu.Lock()
		if a.holder != nil {
			// Someone acquired in the meantime; they win.
			a.mu.Unlock()
			return
		}
		var best *Request
		for c := range a.parked {
			req := a.parked[c]
			if best == nil || req.Priority > best.Priority {
				best = &req
			}
		}
		if best == nil {
			a.mu.Unlock()
			return
		}
		delete(a.parked, best.Consumer)
		notify := best.Notify
		a.mu.Unlock()

		if notify != nil {
			notify()
		}
	}
}

func (a *Arbiter) publishChange(holder, previous string) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(bus.Event{
		Type: bus.EventTypeLeaseChanged,
		Payload: bus.LeaseChange{
			Holder:   holder,
			Previous: previous,
			At:       time.Now(),
		},
	})
}
