// Package segcache memoizes segmentation results by the content of the
// fusion, the options and the input extents.
package segcache

import (
	"fmt"
	"sort"

	"fusionseg/internal/ir"
	"fusionseg/internal/scheduler"
	"fusionseg/internal/segment"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var log = logrus.WithField("component", "segcache")

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fusionseg",
	Subsystem: "cache",
	Name:      "lookups_total",
	Help:      "Segmentation cache lookups, by result.",
}, []string{"result"})

// runNamespace scopes the run names derived from cache keys.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:fusionseg:run"))

const DefaultSize = 256

// Result is a segmentation with its bound heuristics. It is shared between
// callers and must not be modified.
type Result struct {
	Key        digest.Digest
	Segmented  *segment.SegmentedFusion
	Heuristics *segment.FusionHeuristics
}

// Cache runs at most one segmentation per key at a time and keeps the most
// recently used results.
type Cache struct {
	opts    segment.Options
	sched   segment.Scheduler
	results *lru.Cache[digest.Digest, *Result]
	group   singleflight.Group
}

func New(size int, opts segment.Options, sched segment.Scheduler) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	results, err := lru.New[digest.Digest, *Result](size)
	if err != nil {
		return nil, errors.Wrap(err, "creating segmentation cache")
	}
	return &Cache{opts: opts, sched: sched, results: results}, nil
}

// Key derives the cache key of segmenting f with opts for the given extents.
func Key(f *ir.Fusion, opts segment.Options, meta scheduler.InputMeta) digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()
	fmt.Fprintf(h, "%s\n%s\n", ir.Fingerprint(f), opts)

	names := make([]string, 0, len(meta))
	for name := range meta {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "%s=%v\n", name, meta[name])
	}
	return d.Digest()
}

// RunName derives a stable run identifier from a cache key.
func RunName(key digest.Digest) string {
	return uuid.NewSHA1(runNamespace, []byte(key)).String()
}

// Get returns the segmentation of f, computing and binding it on a miss.
// hit reports whether the result was already cached.
func (c *Cache) Get(f *ir.Fusion, meta scheduler.InputMeta) (res *Result, hit bool, err error) {
	key := Key(f, c.opts, meta)
	if r, ok := c.results.Get(key); ok {
		lookups.WithLabelValues("hit").Inc()
		return r, true, nil
	}

	v, err, shared := c.group.Do(string(key), func() (any, error) {
		if r, ok := c.results.Get(key); ok {
			return r, nil
		}
		return c.compute(key, f, meta)
	})
	if err != nil {
		lookups.WithLabelValues("error").Inc()
		return nil, false, err
	}
	if shared {
		lookups.WithLabelValues("shared").Inc()
	} else {
		lookups.WithLabelValues("miss").Inc()
	}
	return v.(*Result), false, nil
}

func (c *Cache) compute(key digest.Digest, f *ir.Fusion, meta scheduler.InputMeta) (*Result, error) {
	name := RunName(key)
	sf, err := segment.Segment(f, c.opts, c.sched, name)
	if err != nil {
		return nil, err
	}
	fh, err := sf.BindHeuristics(c.sched, meta)
	if err != nil {
		return nil, errors.Wrapf(err, "binding heuristics of %q", f.Name)
	}
	r := &Result{Key: key, Segmented: sf, Heuristics: fh}
	c.results.Add(key, r)
	log.WithFields(logrus.Fields{"key": key.Encoded()[:12], "run": name}).Debug("cached segmentation")
	return r, nil
}

// Len returns the number of cached results.
func (c *Cache) Len() int { return c.results.Len() }

// Purge drops every cached result.
func (c *Cache) Purge() { c.results.Purge() }
