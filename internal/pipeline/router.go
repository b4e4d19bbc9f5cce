package pipeline

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// receiverPool supervises the elastic set of receiver tasks. It is the only
// goroutine that touches the receiver map, so receiver count changes never race:
// receivers are spawned and stopped via explicit messages (stop channels), not
// shared counters.
type receiverPool struct {
	p *Pipeline

	interval  time.Duration
	high      float64
	low       float64
	sustain   int
	occupancy func() float64

	receivers map[int]chan struct{}
	nextId    int
	wg        sync.WaitGroup
}

func newReceiverPool(p *Pipeline) *receiverPool {
	rp := &receiverPool{
		p:         p,
		interval:  p.cfg.ScaleInterval,
		high:      p.cfg.ScaleHighWatermark,
		low:       p.cfg.ScaleLowWatermark,
		sustain:   p.cfg.ScaleSustainedSamples,
		receivers: map[int]chan struct{}{},
	}
	rp.occupancy = func() float64 {
		return float64(len(p.input)) / float64(cap(p.input))
	}
	return rp
}

// run starts the initial receivers and then samples channel occupancy, scaling the
// receiver count between the configured bounds. It returns once shutdown has begun
// and every receiver has exited.
func (rp *receiverPool) run() {
	for i := 0; i < rp.p.cfg.MinReceivers; i++ {
		rp.spawn()
	}

	highStreak, lowStreak := 0, 0
	for {
		select {
		case <-rp.p.draining:
			rp.wg.Wait()
			return
		case <-rp.p.clock.After(rp.interval):
		}

		occ := rp.occupancy()
		if occ >= rp.high {
			highStreak++
			lowStreak = 0
		} else if occ <= rp.low {
			lowStreak++
			highStreak = 0
		} else {
			highStreak, lowStreak = 0, 0
		}

		if highStreak >= rp.sustain && len(rp.receivers) < rp.p.cfg.MaxReceivers {
			log.Infof("%s: channel occupancy sustained at %.0f%%, adding a receiver (%d live)",
				rp.p.cfg.Name, occ*100, len(rp.receivers)+1)
			rp.spawn()
			highStreak = 0
		}
		if lowStreak >= rp.sustain && len(rp.receivers) > rp.p.cfg.MinReceivers {
			log.Infof("%s: channel occupancy sustained at %.0f%%, retiring a receiver (%d live)",
				rp.p.cfg.Name, occ*100, len(rp.receivers)-1)
			rp.retire()
			lowStreak = 0
		}
	}
}

func (rp *receiverPool) spawn() {
	id := rp.nextId
	rp.nextId++
	stop := make(chan struct{})
	rp.receivers[id] = stop

	n := rp.p.stats.activeReceivers.Add(1)
	rp.p.metrics.SetActiveReceivers(int(n))

	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()
		defer func() {
			n := rp.p.stats.activeReceivers.Add(-1)
			rp.p.metrics.SetActiveReceivers(int(n))
		}()
		rp.p.runReceiver(id, stop)
	}()
}

// retire cooperatively stops one receiver. The receiver finishes the record it is
// handling before it observes the stop signal.
func (rp *receiverPool) retire() {
	for id, stop := range rp.receivers {
		close(stop)
		delete(rp.receivers, id)
		return
	}
}

// runReceiver pulls records off the shared channel and routes them through the
// sequencer into the batch accumulator. On shutdown it drains the channel to empty
// before exiting, so every accepted record reaches a batch.
func (p *Pipeline) runReceiver(id int, stop <-chan struct{}) {
	log.Debugf("%s:%d: receiver starting", p.cfg.Name, id)
	for {
		select {
		case r := <-p.input:
			p.route(id, r)
		case <-stop:
			log.Debugf("%s:%d: receiver retired", p.cfg.Name, id)
			return
		case <-p.draining:
			for {
				select {
				case r := <-p.input:
					p.route(id, r)
				default:
					log.Debugf("%s:%d: receiver drained", p.cfg.Name, id)
					return
				}
			}
		}
	}
}

func (p *Pipeline) route(id int, r *Record) {
	if err := p.sequencer.push(r); err != nil {
		// Receivers always exit before the accumulator closes, so this indicates a
		// lifecycle bug rather than an expected runtime condition.
		log.WithError(err).Errorf("%s:%d: dropped record for table %s", p.cfg.Name, id, r.Table)
	}
}
