package progress

import (
	"math"
	"strings"
	"sync"
	"time"
)

// DefaultFreezeAfter is how long no new layer may appear before the
// denominator is frozen
const DefaultFreezeAfter = 1500 * time.Millisecond

// Status is a normalized per-layer pull status
type Status string

const (
	StatusPulling          Status = "pulling"
	StatusWaiting          Status = "waiting"
	StatusDownloading      Status = "downloading"
	StatusVerifying        Status = "verifying"
	StatusDownloadComplete Status = "download complete"
	StatusExtracting       Status = "extracting"
	StatusPullComplete     Status = "pull complete"
	StatusAlreadyExists    Status = "already exists"
	StatusIgnored          Status = ""
)

// NormalizeStatus maps a raw runtime status line onto a Status. Lines that do
// not describe a layer ("Pulling from acme/app", "Digest: ...") are ignored.
func NormalizeStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "pulling fs layer" || s == "pulling":
		return StatusPulling
	case s == "waiting":
		return StatusWaiting
	case s == "downloading":
		return StatusDownloading
	case s == "verifying checksum" || s == "verifying":
		return StatusVerifying
	case s == "download complete" || s == "downloaded":
		return StatusDownloadComplete
	case s == "extracting" || s == "unpacking":
		return StatusExtracting
	case s == "pull complete" || s == "done" || s == "complete":
		return StatusPullComplete
	case s == "already exists" || s == "exists":
		return StatusAlreadyExists
	}
	return StatusIgnored
}

// Event is one raw per-layer pull event
type Event struct {
	ID      string
	Status  string
	Current int64
	Total   int64
}

// Snapshot is the aggregate view after an event. Percentages are nil until a
// denominator exists.
type Snapshot struct {
	Download *float64
	Extract  *float64
	// Overall averages download and extract
	Overall *float64
	// DownloadedBytes counts bytes fetched, excluding layers already present
	DownloadedBytes int64
	Layers          int
}

type layer struct {
	dlCurrent     int64
	dlTotal       int64
	dlComplete    bool
	xCurrent      int64
	xTotal        int64
	xComplete     bool
	alreadyExists bool
}

func (l *layer) size() int64 {
	if l.dlTotal > 0 {
		return l.dlTotal
	}
	if l.xTotal > 0 {
		return l.xTotal
	}
	return 0
}

func (l *layer) downloadDone() int64 {
	if l.dlComplete || l.alreadyExists || l.xComplete {
		return unitIfUnknown(l.size())
	}
	return l.dlCurrent
}

func (l *layer) extractDone() int64 {
	if l.xComplete || l.alreadyExists {
		return unitIfUnknown(l.size())
	}
	return l.xCurrent
}

func unitIfUnknown(n int64) int64 {
	if n <= 0 {
		return 1
	}
	return n
}

// Aggregator reduces a multi-layer pull event stream into two monotonic
// percentages. It is safe for concurrent use.
type Aggregator struct {
	mu sync.Mutex

	layers map[string]*layer

	prefetched      map[string]int64
	prefetchedTotal int64

	freezeAfter  time.Duration
	now          func() time.Time
	lastNewLayer time.Time
	denominator  int64

	lastDownload *float64
	lastExtract  *float64
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithFreezeAfter overrides DefaultFreezeAfter. Non-positive durations keep
// the default.
func WithFreezeAfter(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.freezeAfter = d
		}
	}
}

// WithClock injects a time source
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithLayerSizes seeds layer sizes prefetched from the registry, keyed by
// short layer id. A positive total becomes the denominator up front.
func WithLayerSizes(sizes map[string]int64, total int64) Option {
	return func(a *Aggregator) {
		for id, size := range sizes {
			a.prefetched[ShortID(id)] = size
		}
		if total > 0 {
			a.prefetchedTotal = total
		}
	}
}

// New creates an Aggregator
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		layers:      make(map[string]*layer),
		prefetched:  make(map[string]int64),
		freezeAfter: DefaultFreezeAfter,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ShortID returns the 12-character id runtimes print for a layer digest
func ShortID(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[i+1:]
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Observe applies one event and returns the resulting snapshot
func (a *Aggregator) Observe(ev Event) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	status := NormalizeStatus(ev.Status)
	if status != StatusIgnored && ev.ID != "" {
		a.apply(ShortID(ev.ID), status, ev.Current, ev.Total)
	}
	return a.snapshot()
}

// Snapshot returns the current aggregate without applying an event. Calling
// it periodically lets the denominator freeze while the stream is quiet.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

func (a *Aggregator) apply(id string, status Status, current, total int64) {
	l, ok := a.layers[id]
	if !ok {
		l = &layer{}
		if size, ok := a.prefetched[id]; ok {
			l.dlTotal = size
		}
		a.layers[id] = l
		a.lastNewLayer = a.now()
	}

	switch status {
	case StatusPulling, StatusWaiting:
	case StatusDownloading:
		if total > 0 {
			l.dlTotal = total
		}
		if current > l.dlCurrent {
			l.dlCurrent = current
		}
	case StatusVerifying, StatusDownloadComplete:
		l.dlComplete = true
		if l.dlTotal > 0 {
			l.dlCurrent = l.dlTotal
		}
	case StatusExtracting:
		l.dlComplete = true
		if total > 0 {
			l.xTotal = total
		}
		if current > l.xCurrent {
			l.xCurrent = current
		}
	case StatusPullComplete:
		l.dlComplete = true
		l.xComplete = true
	case StatusAlreadyExists:
		l.alreadyExists = true
	}
}

// currentTotal sums the known size of every layer, unknown sizes counting 1
func (a *Aggregator) currentTotal() int64 {
	var sum int64
	for _, l := range a.layers {
		sum += unitIfUnknown(l.size())
	}
	return sum
}

// resolveDenominator returns 0 while no denominator can be trusted. The
// prefetched total is used as soon as the first layer shows up. Otherwise the
// sum of known layer sizes is taken once no new layer appeared for
// freezeAfter. Either way the denominator never changes afterwards.
func (a *Aggregator) resolveDenominator() int64 {
	if a.denominator > 0 || len(a.layers) == 0 {
		return a.denominator
	}
	if a.prefetchedTotal > 0 {
		a.denominator = a.prefetchedTotal
		return a.denominator
	}
	if a.now().Sub(a.lastNewLayer) < a.freezeAfter {
		return 0
	}
	a.denominator = a.currentTotal()
	return a.denominator
}

func (a *Aggregator) snapshot() Snapshot {
	snap := Snapshot{Layers: len(a.layers)}

	var dlDone, xDone int64
	for _, l := range a.layers {
		dlDone += l.downloadDone()
		xDone += l.extractDone()
		if !l.alreadyExists {
			if l.dlComplete || l.xComplete {
				snap.DownloadedBytes += l.size()
			} else {
				snap.DownloadedBytes += l.dlCurrent
			}
		}
	}

	denominator := a.resolveDenominator()
	if denominator > 0 {
		// late layers are not part of a frozen denominator
		dlDone = min(dlDone, denominator)
		xDone = min(xDone, denominator)
		a.lastDownload = monotonic(a.lastDownload, percent(dlDone, denominator))
		a.lastExtract = monotonic(a.lastExtract, percent(xDone, denominator))
	}

	snap.Download = clone(a.lastDownload)
	snap.Extract = clone(a.lastExtract)
	if snap.Download != nil && snap.Extract != nil {
		overall := math.Round((*snap.Download+*snap.Extract)/2*10) / 10
		snap.Overall = &overall
	}
	return snap
}

func percent(done, total int64) float64 {
	p := float64(done) / float64(total) * 100
	p = math.Round(p*10) / 10
	return math.Min(p, 100)
}

func monotonic(prev *float64, computed float64) *float64 {
	if prev != nil && *prev > computed {
		computed = *prev
	}
	return &computed
}

func clone(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
