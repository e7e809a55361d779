package manager

import (
	"github.com/glycerine/idem"

	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/util"
)

type dispatchJob struct {
	link  *link.Link
	queue *link.Reassembly
	last  bool
}

// Dispatcher is the dispatch worker: it delivers reassembled messages to
// link subscribers on its own goroutine, so a slow application handler
// never holds up packet processing. A link with more ready messages than
// one batch goes to the back of the FIFO, behind the other links.
type Dispatcher struct {
	jobs *util.Queue[dispatchJob]
	halt *idem.Halter
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		jobs: util.NewQueue[dispatchJob](),
		halt: idem.NewHalter(),
	}
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

// Queue schedules a dispatch pass over q for l.
func (d *Dispatcher) Queue(l *link.Link, q *link.Reassembly, last bool) {
	d.jobs.Put(dispatchJob{link: l, queue: q, last: last})
}

// Pending returns the number of queued passes.
func (d *Dispatcher) Pending() int { return d.jobs.Len() }

// Stop ends the worker after the pass in progress and waits for it.
func (d *Dispatcher) Stop() {
	d.halt.ReqStop.Close()
	<-d.halt.Done.Chan
	d.jobs.Close()
}

func (d *Dispatcher) run() {
	defer d.halt.Done.Close()

	for {
		job, ok := d.jobs.Take(d.halt.ReqStop.Chan)
		if !ok {
			return
		}
		if job.link.Dispatch(job.queue, job.last) {
			d.jobs.Put(job)
		}
	}
}
