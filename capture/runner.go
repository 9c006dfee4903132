// SPDX-License-Identifier: GPL-3.0-or-later

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/unblock/evasion"
)

// DefaultSweepInterval is the default interval between sweeps.
const DefaultSweepInterval = 10 * time.Second

// Stats contains the [*Runner] counters.
type Stats struct {
	// Packets is the number of received packets.
	Packets int

	// Modified is the number of packets we did not pass through.
	Modified int

	// Injected is the number of successfully injected packets.
	Injected int

	// InjectFailed is the number of failed injections.
	InjectFailed int

	// Dropped is the number of originals we dropped.
	Dropped int

	// VerdictFailed is the number of verdicts we could not set.
	VerdictFailed int

	// Swept is the number of tracker records removed by sweeps.
	Swept int
}

// Runner receives packets from a [Source], processes them with a
// [Processor], and executes the resulting actions.
//
// Construct using [NewRunner].
type Runner struct {
	// Logger is the optional structured logger. If this field
	// is nil, we will not be emitting structured logs.
	Logger *slog.Logger

	// Processor is the MANDATORY packet processor.
	Processor Processor

	// Sender is the MANDATORY sender used to inject packets.
	Sender Sender

	// Source is the MANDATORY packet source.
	Source Source

	// SweepInterval is the interval between tracker sweeps. Zero
	// or negative values disable sweeping.
	SweepInterval time.Duration

	// TimeNow is an optional function that returns the current time.
	// If this field is nil, the [time.Now] function will be used.
	TimeNow func() time.Time

	// mu protects stats.
	mu sync.Mutex

	// stats contains the counters.
	stats Stats
}

// NewRunner creates a new [*Runner] with the default sweep interval.
func NewRunner(src Source, sender Sender, proc Processor) *Runner {
	return &Runner{
		Logger:        nil,
		Processor:     proc,
		Sender:        sender,
		Source:        src,
		SweepInterval: DefaultSweepInterval,
		TimeNow:       nil,
	}
}

// Stats returns a copy of the counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// timeNow returns the current time.
func (r *Runner) timeNow() time.Time {
	if r.TimeNow != nil {
		return r.TimeNow()
	}
	return time.Now()
}

// Run processes packets until the context is done or the source
// returns [io.EOF], in which case it returns nil.
func (r *Runner) Run(ctx context.Context) error {
	var lastSweep time.Time
	for {
		pkt, err := r.Source.Receive(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoPacket):
			pkt = nil
		case errors.Is(err, io.EOF), ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("capture: receive failed: %w", err)
		}

		// Offline sources carry the capture time, which is the
		// clock we use for the trackers.
		now := r.timeNow()
		if pkt != nil && !pkt.Time.IsZero() {
			now = pkt.Time
		}
		if lastSweep.IsZero() {
			lastSweep = now
		}
		if r.SweepInterval > 0 && now.Sub(lastSweep) >= r.SweepInterval {
			r.sweep(now)
			lastSweep = now
		}

		if pkt != nil {
			r.handle(pkt, now)
		}
	}
}

// sweep sweeps the trackers.
func (r *Runner) sweep(now time.Time) {
	stats := r.Processor.Sweep(now)
	r.mu.Lock()
	r.stats.Swept += stats.Total()
	r.mu.Unlock()
}

// handle processes a single packet.
func (r *Runner) handle(pkt *Packet, now time.Time) {
	actions := r.Processor.Process(pkt.Data, now)
	r.mu.Lock()
	r.stats.Packets++
	if !evasion.IsPassThrough(actions) || len(actions) > 1 {
		r.stats.Modified++
	}
	r.mu.Unlock()
	r.Execute(pkt, actions)
}

// Execute executes the actions decided for the packet.
//
// When there is a single genuine path (a pass through or one replace),
// we inject the packets preceding it, then set the verdict, then inject
// the packets following it. Otherwise, we inject every packet in order
// and drop the original only when all the genuine injections succeeded,
// so that failures degrade to releasing the original.
func (r *Runner) Execute(pkt *Packet, actions []evasion.Action) {
	genuine, index := 0, -1
	for idx, action := range actions {
		if action.Genuine() {
			genuine++
			index = idx
		}
	}

	if genuine <= 1 {
		if index < 0 {
			r.inject(actions)
			r.verdict(pkt, VerdictAccept, nil)
			return
		}
		r.inject(actions[:index])
		var data []byte
		if actions[index].Kind == evasion.KindReplace {
			data = actions[index].Data
		}
		r.verdict(pkt, VerdictAccept, data)
		r.inject(actions[index+1:])
		return
	}

	ok := true
	for _, action := range actions {
		if err := r.send(action); err != nil && action.Genuine() {
			ok = false
		}
	}
	if !ok {
		r.verdict(pkt, VerdictAccept, nil)
		return
	}
	r.verdict(pkt, VerdictDrop, nil)
}

// inject injects the non-genuine actions.
func (r *Runner) inject(actions []evasion.Action) {
	for _, action := range actions {
		if !action.Genuine() {
			_ = r.send(action)
		}
	}
}

// send injects the packet carried by the action.
func (r *Runner) send(action evasion.Action) error {
	err := r.Sender.Send(action.Data, action.IPv6)
	r.mu.Lock()
	if err != nil {
		r.stats.InjectFailed++
	} else {
		r.stats.Injected++
	}
	r.mu.Unlock()
	if err != nil && r.Logger != nil {
		r.Logger.Debug(
			"injectFailed",
			slog.String("action", action.String()),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
		)
	}
	return err
}

// verdict sets the verdict for the packet.
func (r *Runner) verdict(pkt *Packet, verdict Verdict, data []byte) {
	err := r.Source.SetVerdict(pkt.ID, verdict, data)
	r.mu.Lock()
	switch {
	case err != nil:
		r.stats.VerdictFailed++
	case verdict == VerdictDrop:
		r.stats.Dropped++
	}
	r.mu.Unlock()
	if err != nil && r.Logger != nil {
		r.Logger.Warn(
			"verdictFailed",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Uint64("id", uint64(pkt.ID)),
			slog.String("verdict", verdict.String()),
		)
	}
}
