package sequence

import (
	"context"

	"github.com/coocood/freecache"
	"github.com/golang/snappy"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"microseq/internal/models"
)

// Prefetcher performs background decoding of pending planes. Concurrent
// requests for the same plane are deduplicated, so prefetching an
// already-pending or already-resident plane is a no-op. A bounded byte cache
// keeps recently evicted volatile planes so re-derivation can skip the
// importer.
type Prefetcher struct {
	sf    singleflight.Group
	cache *freecache.Cache
	sem   chan struct{}
	log   zerolog.Logger
}

// NewPrefetcher returns a prefetcher with the given cache capacity in bytes
// and a bound on concurrent background decodes.
func NewPrefetcher(cacheBytes, workers int, log zerolog.Logger) *Prefetcher {
	if workers < 1 {
		workers = 1
	}
	var cache *freecache.Cache
	if cacheBytes > 0 {
		cache = freecache.NewCache(cacheBytes)
	}
	return &Prefetcher{
		cache: cache,
		sem:   make(chan struct{}, workers),
		log:   log,
	}
}

// Load brings a plane to residency, deduplicating concurrent decodes of the
// same coordinate and consulting the eviction cache first.
func (p *Prefetcher) Load(ctx context.Context, owner string, lp *LazyPlane) (*models.Plane, error) {
	if img := lp.Image(); img != nil {
		return img, nil
	}
	src := lp.Source()
	if src == nil {
		return nil, ErrSourceUnavailable
	}
	key := owner + "/" + src.Key()
	v, err, _ := p.sf.Do(key, func() (interface{}, error) {
		if img := p.cacheGet(key); img != nil {
			lp.Adopt(img)
			return img, nil
		}
		return lp.Load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Plane), nil
}

// Prefetch schedules a background load of a pending plane. It never blocks
// the caller and never reports an error; failures are logged and the plane
// stays pending.
func (p *Prefetcher) Prefetch(owner string, lp *LazyPlane) {
	if lp == nil || lp.Residency() == ResidencyResident {
		return
	}
	go func() {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		if _, err := p.Load(context.Background(), owner, lp); err != nil {
			p.log.Debug().Err(err).Msg("prefetch failed")
		}
	}()
}

// Retain stores an evicted plane's pixels in the bounded cache so a later
// reload can skip the importer. Entries are snappy-compressed and evicted
// under cache pressure.
func (p *Prefetcher) Retain(owner string, lp *LazyPlane, img *models.Plane) {
	if p.cache == nil || lp.Source() == nil {
		return
	}
	raw, err := img.MarshalBinary()
	if err != nil {
		return
	}
	key := owner + "/" + lp.Source().Key()
	if err := p.cache.Set([]byte(key), snappy.Encode(nil, raw), 0); err != nil {
		p.log.Debug().Err(err).Msg("plane cache set failed")
	}
}

func (p *Prefetcher) cacheGet(key string) *models.Plane {
	if p.cache == nil {
		return nil
	}
	enc, err := p.cache.Get([]byte(key))
	if err != nil {
		return nil
	}
	raw, err := snappy.Decode(nil, enc)
	if err != nil {
		return nil
	}
	var img models.Plane
	if err := img.UnmarshalBinary(raw); err != nil {
		return nil
	}
	return &img
}
