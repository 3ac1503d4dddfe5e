package arbitrage

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// TriangularConfig bounds the per-venue cycle search.
type TriangularConfig struct {
	MaxDepth      int     // 3 or 4
	Epsilon       float64 // required edge over 1 after fees
	MaxIterations int     // edge expansions per scan
	TimeBudget    time.Duration
	// MaxStartAmount caps the notional entering a cycle, keyed by the start
	// asset. Missing entries are bounded only by book size.
	MaxStartAmount map[string]float64
	Fees           FeeSchedule
	Instruments    []domain.Instrument
}

// Triangular searches each venue's conversion graph for cycles whose
// fee-adjusted rate product exceeds 1+Epsilon.
type Triangular struct {
	cfg         TriangularConfig
	instruments map[string]domain.Instrument
	logger      *slog.Logger
	now         func() time.Time
}

// NewTriangular creates a triangular cycle scanner.
func NewTriangular(cfg TriangularConfig, logger *slog.Logger) *Triangular {
	if cfg.MaxDepth < 3 {
		cfg.MaxDepth = 3
	}
	if cfg.MaxDepth > 4 {
		cfg.MaxDepth = 4
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 50_000
	}
	if cfg.TimeBudget <= 0 {
		cfg.TimeBudget = 20 * time.Millisecond
	}
	instr := make(map[string]domain.Instrument, len(cfg.Instruments))
	for _, in := range cfg.Instruments {
		instr[in.ID] = in
	}
	return &Triangular{
		cfg:         cfg,
		instruments: instr,
		logger:      logger.With(slog.String("arb_scanner", "triangular")),
		now:         time.Now,
	}
}

// Name returns the scanner identifier.
func (t *Triangular) Name() string { return "triangular" }

// edge converts one unit of asset `from` into `rate` units of asset `to`
// before fees.
type edge struct {
	from, to int
	rate     float64
	weight   float64
	quote    domain.Quote
	side     domain.OrderSide
	maxIn    float64 // largest input, in `from` units, the book supports
}

type graph struct {
	venue  string
	assets []string
	adj    [][]edge
}

// buildGraph creates one venue's conversion graph. Between any two assets
// only the best-rate edge is kept.
func (t *Triangular) buildGraph(venue string, quotes []domain.Quote) *graph {
	index := make(map[string]int)
	var assets []string
	for _, q := range quotes {
		in, ok := t.instruments[q.Instrument]
		if !ok {
			continue
		}
		for _, a := range []string{in.Base, in.Quote} {
			if _, seen := index[a]; !seen {
				index[a] = -1
				assets = append(assets, a)
			}
		}
	}
	sort.Strings(assets)
	for i, a := range assets {
		index[a] = i
	}

	fee := t.cfg.Fees.Rate(venue)
	best := make(map[[2]int]edge)
	add := func(e edge) {
		if e.rate <= 0 || e.maxIn <= 0 {
			return
		}
		e.weight = -math.Log(e.rate * (1 - fee))
		k := [2]int{e.from, e.to}
		if cur, ok := best[k]; !ok || e.weight < cur.weight {
			best[k] = e
		}
	}
	for _, q := range quotes {
		in, ok := t.instruments[q.Instrument]
		if !ok {
			continue
		}
		base, quote := index[in.Base], index[in.Quote]
		// Buy base with quote at the ask.
		add(edge{from: quote, to: base, rate: 1 / q.AskPrice, quote: q, side: domain.OrderSideBuy, maxIn: q.AskSize * q.AskPrice})
		// Sell base for quote at the bid.
		add(edge{from: base, to: quote, rate: q.BidPrice, quote: q, side: domain.OrderSideSell, maxIn: q.BidSize})
	}

	g := &graph{venue: venue, assets: assets, adj: make([][]edge, len(assets))}
	for _, e := range best {
		g.adj[e.from] = append(g.adj[e.from], e)
	}
	for _, es := range g.adj {
		sort.Slice(es, func(i, j int) bool { return es[i].to < es[j].to })
	}
	return g
}

// budget caps one scan's work across all venues.
type budget struct {
	maxIter   int
	deadline  time.Time
	now       func() time.Time
	iter      int
	exhausted bool
	ctx       context.Context
}

func (b *budget) step() bool {
	if b.exhausted {
		return false
	}
	b.iter++
	if b.iter > b.maxIter {
		b.exhausted = true
		return false
	}
	if b.iter%256 == 0 && (b.now().After(b.deadline) || b.ctx.Err() != nil) {
		b.exhausted = true
		return false
	}
	return true
}

type cycle struct {
	edges  []edge
	weight float64
}

// search runs a depth-bounded DFS from every node. A cycle is only grown
// from its smallest node, so each rotation is generated once; reflections
// collapse onto a canonical key and the better direction wins.
func (t *Triangular) search(g *graph, b *budget) map[string]cycle {
	threshold := -math.Log1p(t.cfg.Epsilon)
	found := make(map[string]cycle)
	onPath := make([]bool, len(g.assets))
	path := make([]edge, 0, t.cfg.MaxDepth)

	var dfs func(start, node int, sum float64)
	dfs = func(start, node int, sum float64) {
		for _, e := range g.adj[node] {
			if !b.step() {
				return
			}
			w := sum + e.weight
			if e.to == start {
				if len(path)+1 >= 3 && w < threshold {
					edges := append(append([]edge(nil), path...), e)
					key := canonicalKey(g, edges)
					if cur, ok := found[key]; !ok || w < cur.weight {
						found[key] = cycle{edges: edges, weight: w}
					}
				}
				continue
			}
			if e.to < start || onPath[e.to] || len(path)+1 >= t.cfg.MaxDepth {
				continue
			}
			onPath[e.to] = true
			path = append(path, e)
			dfs(start, e.to, w)
			path = path[:len(path)-1]
			onPath[e.to] = false
		}
	}

	for start := range g.assets {
		if b.exhausted {
			break
		}
		onPath[start] = true
		dfs(start, start, 0)
		onPath[start] = false
	}
	return found
}

// canonicalKey names a cycle by its node sequence starting at the smallest
// node, choosing the lexically smaller of the two directions.
func canonicalKey(g *graph, edges []edge) string {
	nodes := make([]string, len(edges))
	for i, e := range edges {
		nodes[i] = g.assets[e.from]
	}
	rev := make([]string, len(nodes))
	rev[0] = nodes[0]
	for i := 1; i < len(nodes); i++ {
		rev[i] = nodes[len(nodes)-i]
	}
	fwd, bwd := strings.Join(nodes, ">"), strings.Join(rev, ">")
	if bwd < fwd {
		fwd = bwd
	}
	return g.venue + "|" + fwd
}

// Scan builds each venue's graph and returns one opportunity per distinct
// profitable cycle. When the budget runs out the cycles found so far are
// returned.
func (t *Triangular) Scan(ctx context.Context, snap domain.Snapshot) ([]domain.Opportunity, error) {
	b := &budget{
		maxIter:  t.cfg.MaxIterations,
		deadline: t.now().Add(t.cfg.TimeBudget),
		now:      t.now,
		ctx:      ctx,
	}

	byVenue := snap.ByVenue()
	venues := make([]string, 0, len(byVenue))
	for v := range byVenue {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	var out []domain.Opportunity
	for _, v := range venues {
		if b.exhausted {
			break
		}
		g := t.buildGraph(v, byVenue[v])
		if len(g.assets) < 3 {
			continue
		}
		cycles := t.search(g, b)
		keys := make([]string, 0, len(cycles))
		for k := range cycles {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if opp, ok := t.opportunity(snap, g, cycles[k]); ok {
				out = append(out, opp)
			}
		}
	}

	if b.exhausted {
		t.logger.WarnContext(ctx, "triangular search budget exhausted",
			slog.Int("iterations", b.iter),
			slog.Int("found", len(out)),
		)
	}
	return out, nil
}

// CycleProduct is the fee-adjusted rate product around a cycle with a flat
// fee per leg.
func CycleProduct(rates []float64, fee float64) float64 {
	p := 1.0
	for _, r := range rates {
		p *= r * (1 - fee)
	}
	return p
}

func (t *Triangular) opportunity(snap domain.Snapshot, g *graph, c cycle) (domain.Opportunity, bool) {
	fee := t.cfg.Fees.Rate(g.venue)
	product := math.Exp(-c.weight)
	startAsset := g.assets[c.edges[0].from]

	// prefix[i] converts start units into the input units of edge i.
	prefix := make([]float64, len(c.edges))
	start := math.Inf(1)
	acc := 1.0
	for i, e := range c.edges {
		prefix[i] = acc
		start = math.Min(start, e.maxIn/acc)
		acc *= e.rate * (1 - fee)
	}
	if limit, ok := t.cfg.MaxStartAmount[startAsset]; ok && limit > 0 {
		start = math.Min(start, limit)
	}
	if start <= 0 || math.IsInf(start, 0) {
		return domain.Opportunity{}, false
	}

	legs := make([]domain.Leg, len(c.edges))
	quotes := make([]domain.Quote, len(c.edges))
	for i, e := range c.edges {
		input := start * prefix[i]
		leg := domain.Leg{Venue: g.venue, Instrument: e.quote.Instrument, Side: e.side}
		if e.side == domain.OrderSideBuy {
			leg.Quantity = input / e.quote.AskPrice
			leg.LimitPrice = e.quote.AskPrice
		} else {
			leg.Quantity = input
			leg.LimitPrice = e.quote.BidPrice
		}
		legs[i] = leg
		quotes[i] = e.quote
	}

	opp := domain.Opportunity{
		ID:             newID(),
		Kind:           domain.KindTriangular,
		Legs:           legs,
		ExpectedProfit: start * (product - 1),
		ProfitCurrency: startAsset,
		DetectedAt:     snap.At,
		Expiry:         snap.EarliestExpiry(quotes...),
		Fingerprint:    domain.Fingerprint(domain.KindTriangular, legs),
		Meta: map[string]float64{
			"product":      product,
			"depth":        float64(len(legs)),
			"start_amount": start,
		},
	}
	t.logger.Debug("triangular opportunity detected",
		slog.String("venue", g.venue),
		slog.String("start", startAsset),
		slog.Int("depth", len(legs)),
		slog.Float64("product", product),
	)
	return opp, true
}
