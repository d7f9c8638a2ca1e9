package retailers

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/store-locator/internal/checkpoint"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/redact"
	"github.com/jonesrussell/north-cloud/store-locator/internal/runs"
	"github.com/jonesrussell/north-cloud/store-locator/internal/stores"
)

// TestLimit caps the store pages of a --test run.
const TestLimit = 10

const (
	checkpointName = "progress"
	maxSitemaps    = 100

	defaultWorkers            = 5
	defaultCheckpointInterval = 100
)

// Run statistics reported alongside runs.StatStoresScraped.
const (
	StatURLsDiscovered = "urls_discovered"
	StatStoresFailed   = "stores_failed"
	StatStoresResumed  = "stores_resumed"
)

// ErrNoStores is returned for a store page without usable store markup.
var ErrNoStores = errors.New("no store markup found")

// RunOptions control one scrape.
type RunOptions struct {
	RunID       string
	Resume      bool
	Incremental bool
	// Limit caps the store pages fetched by this run; 0 fetches all.
	Limit              int
	Workers            int
	CheckpointInterval int
}

func (o *RunOptions) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = defaultCheckpointInterval
	}
}

// Result summarizes a scrape.
type Result struct {
	Discovered int
	Scraped    int
	Failed     int
	Resumed    int
	// Stores holds every store known to the run, resumed ones included.
	Stores  []stores.Store
	Exports []string
	Changes *stores.Changes
}

// Progress is what the scraper reports to. *runs.Tracker satisfies it.
type Progress interface {
	UpdatePhases(values map[string]any) error
	UpdateStats(values map[string]float64) error
	AddError(message, url string) error
}

// StoreRecorder counts stores. *metrics.Metrics satisfies it.
type StoreRecorder interface {
	AddStores(retailer string, scraped, failed int)
}

// Scraper discovers store pages from a retailer's sitemap and extracts
// their JSON-LD in a bounded worker pool. Each worker owns its own Fetcher.
type Scraper struct {
	def         *Definition
	dataDir     string
	newFetcher  FetcherFactory
	checkpoints *checkpoint.Store
	log         logger.Logger
	progress    Progress
	recorder    StoreRecorder
	now         func() time.Time
}

// ScraperOption configures a Scraper.
type ScraperOption func(*Scraper)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) ScraperOption {
	return func(s *Scraper) { s.log = log }
}

// WithProgress reports phases, stats and per-page errors to p.
func WithProgress(p Progress) ScraperOption {
	return func(s *Scraper) { s.progress = p }
}

// WithStoreRecorder counts stores as they are extracted.
func WithStoreRecorder(r StoreRecorder) ScraperOption {
	return func(s *Scraper) { s.recorder = r }
}

// NewScraper returns a scraper for def writing under dataDir.
func NewScraper(def *Definition, dataDir string, newFetcher FetcherFactory, opts ...ScraperOption) *Scraper {
	s := &Scraper{
		def:         def,
		dataDir:     dataDir,
		newFetcher:  newFetcher,
		checkpoints: checkpoint.NewStore(dataDir, def.Name),
		log:         logger.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.String("retailer", def.Name))
	return s
}

// Run scrapes the retailer. On cancellation it saves a checkpoint and returns
// the partial result with the context error; a later run with Resume picks
// up from there.
func (s *Scraper) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	opts.setDefaults()

	s.phase("discovery", map[string]any{"status": string(runs.StatusRunning)})
	urls, err := s.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover %s stores: %w", s.def.Name, err)
	}
	s.phase("discovery", map[string]any{"status": string(runs.StatusComplete), "urls": len(urls)})
	s.log.Info("Discovered store pages", logger.Int("urls", len(urls)))

	var progress checkpoint.Progress[stores.Store]
	if opts.Resume {
		if s.checkpoints.Load(checkpointName, &progress) {
			s.log.Info("Resuming from checkpoint", logger.Int("completed", progress.CompletedCount))
		}
	} else if err = s.checkpoints.Clear(checkpointName); err != nil {
		return nil, err
	}

	done := progress.Completed()
	pending := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := done[s.def.StoreKey(u)]; !ok {
			pending = append(pending, u)
		}
	}
	if opts.Limit > 0 && len(pending) > opts.Limit {
		pending = pending[:opts.Limit]
	}

	result := &Result{Discovered: len(urls), Resumed: progress.CompletedCount}
	s.phase("scrape", map[string]any{"status": string(runs.StatusRunning), "pending": len(pending)})

	scrapeErr := s.scrape(ctx, pending, &progress, opts, result)
	if err = s.checkpoints.Save(checkpointName, progress.Snapshot(s.now())); err != nil {
		return result, err
	}
	s.reportStats(result)
	if scrapeErr != nil {
		return result, scrapeErr
	}
	s.phase("scrape", map[string]any{"status": string(runs.StatusComplete), "scraped": result.Scraped, "failed": result.Failed})

	result.Stores = dedupe(progress.Stores)
	outDir := stores.OutputDir(s.dataDir, s.def.Name)

	if opts.Incremental {
		changes := stores.Diff(stores.LoadLatest(outDir), result.Stores)
		changes.Retailer = s.def.Name
		changes.RunID = opts.RunID
		changes.ComputedAt = s.now().UTC()
		if opts.Limit > 0 {
			// A limited run cannot tell closed stores from unvisited ones.
			changes.Closed = []stores.Store{}
		}
		if _, err = stores.WriteChanges(outDir, &changes); err != nil {
			return result, err
		}
		result.Changes = &changes
		s.log.Info("Detected store changes",
			logger.Int("new", len(changes.New)),
			logger.Int("closed", len(changes.Closed)),
			logger.Int("modified", len(changes.Modified)),
		)
	}

	result.Exports, err = stores.ExportAll(ctx, outDir, s.def.Exports, result.Stores)
	if err != nil {
		return result, err
	}
	s.phase("export", map[string]any{"status": string(runs.StatusComplete), "files": result.Exports})

	if err = s.checkpoints.Clear(checkpointName); err != nil {
		s.log.Warn("Failed to clear checkpoint", logger.Error(err))
	}
	return result, nil
}

// Discover walks the sitemap (following sitemap indexes) and returns the
// sorted store page URLs matching the retailer's pattern.
func (s *Scraper) Discover(ctx context.Context) ([]string, error) {
	f := s.newFetcher()
	defer f.Close()

	queue := []string{s.def.SitemapURL}
	seen := make(map[string]bool)
	var urls []string

	for len(queue) > 0 && len(seen) < maxSitemaps {
		sitemap := queue[0]
		queue = queue[1:]
		if seen[sitemap] {
			continue
		}
		seen[sitemap] = true

		body, err := f.Fetch(ctx, sitemap)
		if err != nil {
			return nil, err
		}
		pages, children, err := parseSitemap(body)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", redact.URL(sitemap), err)
		}
		queue = append(queue, children...)
		for _, p := range pages {
			if s.def.pattern.MatchString(p) {
				urls = append(urls, p)
			}
		}
	}

	slices.Sort(urls)
	return slices.Compact(urls), nil
}

type pageResult struct {
	url    string
	key    string
	stores []stores.Store
	err    error
}

func (s *Scraper) scrape(ctx context.Context, pending []string, progress *checkpoint.Progress[stores.Store], opts RunOptions, result *Result) error {
	if len(pending) == 0 {
		return ctx.Err()
	}

	jobs := make(chan string)
	results := make(chan pageResult)

	var wg sync.WaitGroup
	for range min(opts.Workers, len(pending)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fetcher := s.newFetcher()
			defer fetcher.Close()
			for u := range jobs {
				results <- s.scrapePage(ctx, fetcher, u)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, u := range pending {
			select {
			case jobs <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	sinceSave := 0
	for r := range results {
		if r.err != nil {
			if ctx.Err() != nil {
				continue
			}
			result.Failed++
			s.record(0, 1)
			s.log.Warn("Failed to scrape store page",
				logger.String("url", redact.URL(r.url)),
				logger.String("error", redact.Error(r.err)),
			)
			if s.progress != nil {
				_ = s.progress.AddError(redact.Error(r.err), redact.URL(r.url))
			}
			continue
		}

		progress.Record(r.key, r.stores...)
		result.Scraped += len(r.stores)
		s.record(len(r.stores), 0)

		sinceSave += len(r.stores)
		if sinceSave >= opts.CheckpointInterval {
			sinceSave = 0
			if err := s.checkpoints.Save(checkpointName, progress.Snapshot(s.now())); err != nil {
				s.log.Error("Failed to save checkpoint", logger.Error(err))
			}
			s.reportStats(result)
		}
	}
	return ctx.Err()
}

func (s *Scraper) scrapePage(ctx context.Context, f Fetcher, pageURL string) pageResult {
	r := pageResult{url: pageURL, key: s.def.StoreKey(pageURL)}

	body, err := f.Fetch(ctx, pageURL)
	if err != nil {
		r.err = err
		return r
	}
	found, err := ExtractStores(body, pageURL, s.def.Name, r.key)
	if err != nil {
		r.err = err
		return r
	}

	scrapedAt := s.now().UTC()
	for i := range found {
		found[i].ScrapedAt = scrapedAt
		if err = found[i].Validate(); err != nil {
			s.log.Debug("Skipping invalid store", logger.Error(err))
			continue
		}
		r.stores = append(r.stores, found[i])
	}
	if len(r.stores) == 0 {
		r.err = ErrNoStores
	}
	return r
}

func (s *Scraper) record(scraped, failed int) {
	if s.recorder != nil {
		s.recorder.AddStores(s.def.Name, scraped, failed)
	}
}

func (s *Scraper) phase(name string, values map[string]any) {
	if s.progress == nil {
		return
	}
	if err := s.progress.UpdatePhases(map[string]any{name: values}); err != nil {
		s.log.Warn("Failed to record phase", logger.String("phase", name), logger.Error(err))
	}
}

func (s *Scraper) reportStats(result *Result) {
	if s.progress == nil {
		return
	}
	err := s.progress.UpdateStats(map[string]float64{
		StatURLsDiscovered:      float64(result.Discovered),
		runs.StatStoresScraped:  float64(result.Scraped),
		StatStoresFailed:        float64(result.Failed),
		StatStoresResumed:       float64(result.Resumed),
		runs.StatRequestsFailed: float64(result.Failed),
	})
	if err != nil {
		s.log.Warn("Failed to record stats", logger.Error(err))
	}
}

// dedupe keeps the last record of each store id, ordered by id.
func dedupe(list []stores.Store) []stores.Store {
	byID := make(map[string]stores.Store, len(list))
	for _, st := range list {
		byID[st.StoreID] = st
	}
	out := make([]stores.Store, 0, len(byID))
	for _, id := range slices.Sorted(maps.Keys(byID)) {
		out = append(out, byID[id])
	}
	return out
}
