package pipeline

import (
	"fmt"

	"github.com/ppiankov/calltrace/internal/intern"
	"github.com/ppiankov/calltrace/internal/journal"
	"github.com/ppiankov/calltrace/internal/model"
)

// drain processes queued events until the queue is empty.
func (p *Pipeline) drain() {
	for {
		ev, ok := p.queue.TryTake()
		if !ok {
			p.state.CompareAndSwap(int32(Draining), int32(Idle))
			return
		}
		p.state.CompareAndSwap(int32(Idle), int32(Draining))
		p.process(ev)
	}
}

// process turns one event into a trace record. Failures drop the event and
// leave the caches consistent.
func (p *Pipeline) process(ev model.Event) {
	fqn, err := p.resolveFQN(ev)
	if err != nil {
		p.drop("%v", err)
		return
	}

	name := ev.ThreadName
	if name == "" {
		name = p.namer(ev.Thread)
	}
	thread, err := p.threads.Intern(name)
	if err != nil {
		p.drop("intern thread %q: %v", name, err)
		return
	}

	slots := p.slots[ev.Thread]
	d := int(ev.Depth)
	parent := model.NoID
	if d > 0 && d <= len(slots) && slots[d-1].token == ev.ParentToken {
		parent = slots[d-1].trace
	}

	id, err := p.sink.AppendTrace(thread, fqn, parent)
	if err != nil {
		p.drop("append trace: %v", err)
		return
	}

	if len(slots) > d {
		slots = slots[:d]
	}
	for len(slots) < d {
		slots = append(slots, slot{})
	}
	p.slots[ev.Thread] = append(slots, slot{token: ev.Token, trace: id})

	n := p.persisted.Add(1)
	p.metrics.Persisted()
	if every := p.cfg.CheckpointEvery; every > 0 && int64(n)%every == 0 {
		p.checkpoint(journal.ReasonPeriodic)
	}
}

func (p *Pipeline) resolveFQN(ev model.Event) (model.ID, error) {
	class, err := p.classes.Intern(ev.Class)
	if err != nil {
		return model.NoID, fmt.Errorf("intern class %q: %w", ev.Class, err)
	}
	method, err := p.methods.Intern(ev.Method)
	if err != nil {
		return model.NoID, fmt.Errorf("intern method %q: %w", ev.Method, err)
	}
	sig, err := p.signatures.Intern(ev.Signature)
	if err != nil {
		return model.NoID, fmt.Errorf("intern signature %q: %w", ev.Signature, err)
	}

	key := intern.FQNKey{Class: class, Method: method, Signature: sig}
	if id, ok := p.fqns.Get(key); ok {
		return id, nil
	}
	id, err := p.sink.InternFQN(key, ev.Site)
	if err != nil {
		return model.NoID, fmt.Errorf("intern fqn %s.%s%s: %w", ev.Class, ev.Method, ev.Signature, err)
	}
	return p.fqns.Put(key, id), nil
}

// checkpoint snapshots the sink and journals the result.
func (p *Pipeline) checkpoint(reason journal.Reason) {
	start := p.clock.Now()
	snap, err := p.sink.Checkpoint()
	if err != nil {
		if ok, _ := p.throttle.Allow("checkpoint"); ok {
			p.log.Errorf("Checkpoint (%s) failed: %v", reason, err)
		}
		return
	}
	took := p.clock.Since(start)
	p.checkpoints.Add(1)
	p.metrics.Checkpoint()

	if snap.Path == "" {
		p.log.Debugf("Checkpoint (%s): %d records, no storage location", reason, snap.Records)
		return
	}
	p.log.Infof("Checkpoint (%s): %d records -> %s (%d bytes, %s)",
		reason, snap.Records, snap.Path, snap.Bytes, took)

	if p.journal == nil {
		return
	}
	err = p.journal.Record(journal.Entry{
		Session:  p.session,
		Reason:   reason,
		Snapshot: snap.Path,
		Records:  snap.Records,
		Bytes:    snap.Bytes,
		SHA256:   snap.SHA256,
		TookMS:   took.Milliseconds(),
	})
	if err != nil {
		p.log.Errorf("Failed to journal checkpoint: %v", err)
	}
}

// shutdown stops intake, drains the queue and takes the final checkpoint.
func (p *Pipeline) shutdown() {
	p.state.Store(int32(Stopping))
	p.accepting.Store(false)
	p.queue.Close()

	for {
		ev, ok := p.queue.TryTake()
		if !ok {
			break
		}
		p.process(ev)
	}
	p.checkpoint(journal.ReasonFinal)
	p.state.Store(int32(Stopped))
	p.log.Infof("Trace consumer stopped: %d records persisted", p.persisted.Load())
}
