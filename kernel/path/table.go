package path

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/tenon/kernel/message"
)

// ErrDuplicateCmdID is returned when a Path with an already-tracked cmd_id
// is added to a Table.
type ErrDuplicateCmdID struct {
	CmdID string
}

func (e *ErrDuplicateCmdID) Error() string {
	return fmt.Sprintf("path: duplicate cmd_id %q", e.CmdID)
}

// DefaultTableConfig returns production defaults for a Table's sweep loop
// and duplicate filter sizing.
type TableConfig struct {
	CheckInterval            time.Duration
	BloomExpectedElements    uint
	BloomFalsePositiveRate   float64
}

func DefaultTableConfig() TableConfig {
	return TableConfig{
		CheckInterval:          10 * time.Second,
		BloomExpectedElements:  10000,
		BloomFalsePositiveRate: 0.01,
	}
}

// Table owns every IN and OUT path for one runloop (one Extension or one
// Engine), plus any PathGroups those OUT paths belong to. It sweeps expired
// paths on its own ticker and emits synthesised Timeout results through
// each expired OUT path's ResultHandler, or via onInTimeout for expired IN
// paths (there is no result handler for an IN path — the runtime itself
// must synthesise the outgoing Timeout cmd_result).
type Table struct {
	mu     sync.RWMutex
	in     map[string]*Path
	out    map[string]*Path
	groups map[string]*PathGroup

	seenIn  *bloom.BloomFilter
	seenOut *bloom.BloomFilter

	cfg    TableConfig
	logger *slog.Logger

	onInTimeout func(p *Path)

	shutdown chan struct{}
	ticker   *time.Ticker
	wg       sync.WaitGroup
}

// NewTable constructs a Table. onInTimeout is called from Sweep (on the
// table's own sweep goroutine once Start has run) for every IN path that
// expires, so the caller can synthesise and send back a Timeout cmd_result;
// it may be nil if the owner never adds IN paths.
func NewTable(cfg TableConfig, logger *slog.Logger, onInTimeout func(p *Path)) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		in:          make(map[string]*Path),
		out:         make(map[string]*Path),
		groups:      make(map[string]*PathGroup),
		seenIn:      bloom.NewWithEstimates(cfg.BloomExpectedElements, cfg.BloomFalsePositiveRate),
		seenOut:     bloom.NewWithEstimates(cfg.BloomExpectedElements, cfg.BloomFalsePositiveRate),
		cfg:         cfg,
		logger:      logger.With("component", "path_table"),
		onInTimeout: onInTimeout,
		shutdown:    make(chan struct{}),
	}
}

// AddIn registers a freshly arrived cmd's IN path. Fails with
// ErrDuplicateCmdID if the table already tracks this cmd_id as an IN path.
func (t *Table) AddIn(p *Path) error {
	p.Direction = DirectionIn
	return t.add(t.in, t.seenIn, p)
}

// AddOut registers a freshly sent cmd's OUT path.
func (t *Table) AddOut(p *Path) error {
	p.Direction = DirectionOut
	return t.add(t.out, t.seenOut, p)
}

func (t *Table) add(store map[string]*Path, filter *bloom.BloomFilter, p *Path) error {
	// The bloom filter lets the common case (a brand-new cmd_id) skip the
	// map lookup entirely; a positive only means "maybe seen", so it still
	// falls through to the authoritative map check.
	maybeSeen := filter.TestString(p.CmdID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if maybeSeen {
		if _, exists := store[p.CmdID]; exists {
			return &ErrDuplicateCmdID{CmdID: p.CmdID}
		}
	}
	store[p.CmdID] = p
	filter.AddString(p.CmdID)
	return nil
}

// RemoveIn removes and returns the IN path for cmdID, if present.
func (t *Table) RemoveIn(cmdID string) (*Path, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.in[cmdID]
	if ok {
		delete(t.in, cmdID)
	}
	return p, ok
}

// RemoveOut removes and returns the OUT path for cmdID, if present.
func (t *Table) RemoveOut(cmdID string) (*Path, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.out[cmdID]
	if ok {
		delete(t.out, cmdID)
	}
	return p, ok
}

// LookupIn returns the IN path for cmdID without removing it.
func (t *Table) LookupIn(cmdID string) (*Path, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.in[cmdID]
	return p, ok
}

// LookupOut returns the OUT path for cmdID without removing it.
func (t *Table) LookupOut(cmdID string) (*Path, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.out[cmdID]
	return p, ok
}

// NewGroup registers a PathGroup over the given OUT-path cmd_ids, which
// must already have been added via AddOut with ExpectedGroupID set to the
// returned group's ID.
func (t *Table) NewGroup(id string, policy GroupPolicy, memberCmdIDs []string) *PathGroup {
	g := NewPathGroup(id, policy, memberCmdIDs)
	t.mu.Lock()
	t.groups[id] = g
	t.mu.Unlock()
	return g
}

// Group returns the PathGroup registered under id, if any.
func (t *Table) Group(id string) (*PathGroup, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[id]
	return g, ok
}

// RemoveGroup discards a resolved group's bookkeeping.
func (t *Table) RemoveGroup(id string) {
	t.mu.Lock()
	delete(t.groups, id)
	t.mu.Unlock()
}

// Len returns the number of IN and OUT paths currently tracked, for tests
// asserting path conservation.
func (t *Table) Len() (inCount, outCount int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.in), len(t.out)
}

// Start begins the periodic sweep loop on its own goroutine.
func (t *Table) Start() {
	t.ticker = time.NewTicker(t.cfg.CheckInterval)
	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop halts the sweep loop and waits for it to exit.
func (t *Table) Stop() {
	close(t.shutdown)
	if t.ticker != nil {
		t.ticker.Stop()
	}
	t.wg.Wait()
}

func (t *Table) sweepLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.shutdown:
			return
		case <-t.ticker.C:
			t.Sweep(time.Now())
		}
	}
}

// Sweep expires every IN and OUT path whose expire_at has passed, invoking
// onInTimeout for expired IN paths and each expired OUT path's
// ResultHandler with a synthesised Timeout result.
func (t *Table) Sweep(now time.Time) {
	t.mu.Lock()
	var expiredIn, expiredOut []*Path
	for id, p := range t.in {
		if p.Expired(now) {
			expiredIn = append(expiredIn, p)
			delete(t.in, id)
		}
	}
	for id, p := range t.out {
		if p.Expired(now) {
			expiredOut = append(expiredOut, p)
			delete(t.out, id)
		}
	}
	t.mu.Unlock()

	for _, p := range expiredIn {
		t.logger.Warn("in-path expired", "cmd_id", p.CmdID, "cmd_name", p.CmdName)
		if t.onInTimeout != nil {
			t.onInTimeout(p)
		}
	}
	for _, p := range expiredOut {
		t.logger.Warn("out-path expired", "cmd_id", p.CmdID, "cmd_name", p.CmdName)
		if p.ResultHandler != nil {
			p.ResultHandler(message.NewTimeoutCmdResult(p.CmdName, p.CmdID), p.ResultHandlerData)
		}
	}
}
