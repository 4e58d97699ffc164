package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"geminize/internal/codec"
	"geminize/internal/domain"
)

const (
	DefaultStatusSettleDelay = 300 * time.Millisecond
	DefaultRelayCount        = 8

	LoadingRefresh = "refresh"
)

func StatusLoadingKey(id string) string   { return "status-" + id }
func FavoriteLoadingKey(id string) string { return "favorite-" + id }
func NameLoadingKey(id string) string     { return "name-" + id }
func ColorLoadingKey(id string) string    { return "color-" + id }

type StoreConfig struct {
	UserID string
	// StatusSettleDelay keeps the status flag raised a little longer so the
	// UI does not flicker on fast round trips. Zero clears immediately.
	StatusSettleDelay time.Duration
	// RelayCount bounds automatic relay assignment for new accessories.
	RelayCount int
}

// Store is the in-memory view of one user's accessories. Every field change
// is applied locally first, then persisted; a failed write rolls the field
// back and tells the user.
//
// The cache is always the last confirmed collection with the pending edits
// replayed on top. Writes are serialized and each one carries only the
// confirmed collection plus its own edit.
type Store struct {
	userID      string
	remote      RemoteStore
	hardware    CommandTransport
	notifier    Notifier
	logger      *slog.Logger
	settleDelay time.Duration
	relayCount  int

	persistMu sync.Mutex

	mu             sync.Mutex
	accessories    []domain.Accessory
	confirmed      []domain.Accessory
	pending        []*edit
	loading        map[string]uint64
	loadingSeq     uint64
	inflight       int
	pendingRefresh bool
	listeners      []func([]domain.Accessory)
}

func NewStore(cfg StoreConfig, remote RemoteStore, hardware CommandTransport, notifier Notifier, logger *slog.Logger) *Store {
	if notifier == nil {
		notifier = &NoopNotifier{}
	}
	if cfg.StatusSettleDelay < 0 {
		cfg.StatusSettleDelay = 0
	}
	if cfg.RelayCount <= 0 {
		cfg.RelayCount = DefaultRelayCount
	}
	return &Store{
		userID:      cfg.UserID,
		remote:      remote,
		hardware:    hardware,
		notifier:    notifier,
		logger:      logger,
		settleDelay: cfg.StatusSettleDelay,
		relayCount:  cfg.RelayCount,
		loading:     make(map[string]uint64),
		accessories: []domain.Accessory{},
		confirmed:   []domain.Accessory{},
	}
}

// OnChange registers fn to receive a copy of the collection after every change.
func (s *Store) OnChange(fn func([]domain.Accessory)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) Accessories() []domain.Accessory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneAccessories(s.accessories)
}

func (s *Store) Accessory(id string) (domain.Accessory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return domain.Accessory{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return s.accessories[i].Clone(), nil
}

func (s *Store) IsLoading(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loading[key]
	return ok
}

func (s *Store) LoadingFlags() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.loading))
	for k := range s.loading {
		out[k] = true
	}
	return out
}

// Load fetches the user's document for the first time.
func (s *Store) Load(ctx context.Context) error {
	s.logger.Info("loading accessories", "user", s.userID)
	if err := s.fetch(ctx); err != nil {
		return fmt.Errorf("loading accessories: %w", err)
	}
	return nil
}

// Refresh replaces the cache with the server copy. While a mutation is in
// flight the refresh is deferred until the last one settles and
// ErrRefreshDeferred is returned.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.inflight > 0 {
		s.pendingRefresh = true
		s.mu.Unlock()
		s.logger.Debug("refresh deferred", "inflight", s.inflight)
		return domain.ErrRefreshDeferred
	}
	s.mu.Unlock()

	if err := s.fetch(ctx); err != nil {
		return fmt.Errorf("refreshing accessories: %w", err)
	}
	return nil
}

// StartPeriodicRefresh refreshes the cache every interval until ctx ends.
// Ticks that land on an in-flight mutation become a deferred refresh.
func (s *Store) StartPeriodicRefresh(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Refresh(ctx); err != nil && !errors.Is(err, domain.ErrRefreshDeferred) {
					s.logger.Error("periodic refresh failed", "error", err)
				}
			}
		}
	}()
}

func (s *Store) fetch(ctx context.Context) error {
	s.mu.Lock()
	seq := s.raiseLocked(LoadingRefresh)
	s.mu.Unlock()

	doc, err := s.remote.Fetch(ctx, s.userID)

	s.mu.Lock()
	s.lowerLocked(LoadingRefresh, seq)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.inflight > 0 {
		// A mutation started while fetching; this copy may predate it.
		s.pendingRefresh = true
		s.mu.Unlock()
		return domain.ErrRefreshDeferred
	}
	if doc == nil || doc.Accessories == nil {
		s.confirmed = []domain.Accessory{}
	} else {
		s.confirmed = domain.CloneAccessories(doc.Accessories)
	}
	s.rebuildLocked()
	s.mu.Unlock()

	s.emit()
	return nil
}

func (s *Store) ToggleStatus(ctx context.Context, id string, on bool) error {
	return s.mutate(ctx, mutation{
		id:     id,
		key:    StatusLoadingKey(id),
		settle: s.settleDelay,
		action: "switch " + onOff(on),
		apply: func(a *domain.Accessory) {
			a.ConnectionStatus = on
		},
		sideEffect: func(ctx context.Context, a domain.Accessory) {
			if s.hardware == nil || !s.hardware.IsConnected() || !a.HasRelay() {
				return
			}
			if err := s.hardware.SendRelay(ctx, *a.RelayPosition, domain.RelayStateFromBool(on)); err != nil {
				s.logger.Warn("sending relay command", "id", a.ID, "relay", *a.RelayPosition, "error", err)
			}
		},
	})
}

func (s *Store) ToggleFavorite(ctx context.Context, id string, favorite bool) error {
	return s.mutate(ctx, mutation{
		id:     id,
		key:    FavoriteLoadingKey(id),
		action: "update favorites for",
		apply: func(a *domain.Accessory) {
			a.IsFavorite = favorite
		},
	})
}

// UpdateName renames an accessory. A nil relayPosition leaves the relay
// assignment alone; a pointer to 0 clears it.
func (s *Store) UpdateName(ctx context.Context, id, name string, relayPosition *int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is empty", domain.ErrInvalidCommandArgument)
	}
	if relayPosition != nil && (*relayPosition < 0 || *relayPosition > 255) {
		return fmt.Errorf("%w: relay position %d out of range", domain.ErrInvalidCommandArgument, *relayPosition)
	}

	return s.mutate(ctx, mutation{
		id:     id,
		key:    NameLoadingKey(id),
		action: "rename",
		apply: func(a *domain.Accessory) {
			a.Name = name
			if relayPosition == nil {
				return
			}
			if *relayPosition == 0 {
				a.RelayPosition = nil
			} else {
				a.RelayPosition = domain.IntPtr(*relayPosition)
			}
		},
	})
}

func (s *Store) SetColor(ctx context.Context, id, hex string) error {
	if _, err := codec.EncodeColorCommand(hex); err != nil {
		return err
	}
	color := "#" + strings.ToUpper(strings.TrimPrefix(hex, "#"))

	return s.mutate(ctx, mutation{
		id:     id,
		key:    ColorLoadingKey(id),
		action: "change the color of",
		apply: func(a *domain.Accessory) {
			a.LastColor = color
		},
		sideEffect: func(ctx context.Context, a domain.Accessory) {
			if s.hardware == nil || !s.hardware.IsConnected() || !a.SupportsColor() {
				return
			}
			if err := s.hardware.SendColor(ctx, color); err != nil {
				s.logger.Warn("sending color command", "id", a.ID, "color", color, "error", err)
			}
		},
	})
}

// AddAccessory appends a new accessory with a generated id and the lowest
// free relay position, then persists the collection.
func (s *Store) AddAccessory(ctx context.Context, name string, kind domain.AccessoryType) (domain.Accessory, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Accessory{}, fmt.Errorf("%w: name is empty", domain.ErrInvalidCommandArgument)
	}
	if kind == "" {
		kind = domain.AccessoryTypeOther
	}

	s.mu.Lock()
	a := domain.Accessory{
		ID:   domain.NewAccessoryID("", s.accessories),
		Name: name,
		Type: kind,
	}
	if pos := domain.NextFreeRelayPosition(s.accessories, s.relayCount); pos > 0 {
		a.RelayPosition = domain.IntPtr(pos)
	}
	e := &edit{
		id: a.ID,
		apply: func(items []domain.Accessory) ([]domain.Accessory, bool) {
			return append(items, a.Clone()), true
		},
	}
	s.beginLocked(e)
	s.mu.Unlock()
	s.emit()

	err := s.commit(ctx, e)
	s.settleInflight(ctx)

	if err != nil {
		s.tellUser(ctx, fmt.Sprintf("Could not add %s. Please try again.", name))
		return domain.Accessory{}, fmt.Errorf("%w: %w", domain.ErrRemoteWriteFailed, err)
	}
	return a.Clone(), nil
}

type mutation struct {
	id     string
	key    string
	settle time.Duration
	// action completes "Could not <action> <name>" in user notifications.
	action     string
	apply      func(a *domain.Accessory)
	sideEffect func(ctx context.Context, a domain.Accessory)
}

// edit is one optimistic change, replayed over the confirmed collection
// until its write settles. apply reports false when its target is missing.
type edit struct {
	id    string
	apply func(items []domain.Accessory) ([]domain.Accessory, bool)
}

func (s *Store) mutate(ctx context.Context, m mutation) error {
	e := &edit{
		id: m.id,
		apply: func(items []domain.Accessory) ([]domain.Accessory, bool) {
			i := indexOf(items, m.id)
			if i < 0 {
				return items, false
			}
			m.apply(&items[i])
			return items, true
		},
	}

	s.mu.Lock()
	i := s.indexLocked(m.id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotFound, m.id)
	}
	name := s.accessories[i].Name
	seq := s.raiseLocked(m.key)
	s.beginLocked(e)
	var updated domain.Accessory
	if j := s.indexLocked(m.id); j >= 0 {
		updated = s.accessories[j].Clone()
	}
	s.mu.Unlock()
	s.emit()

	if m.sideEffect != nil {
		m.sideEffect(ctx, updated)
	}

	err := s.commit(ctx, e)

	s.lowerAfter(m.key, seq, m.settle)
	s.settleInflight(ctx)

	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err != nil {
		s.logger.Error("persisting accessory", "id", m.id, "key", m.key, "error", err)
		s.tellUser(ctx, fmt.Sprintf("Could not %s %s. Please try again.", m.action, name))
		return fmt.Errorf("%w: %w", domain.ErrRemoteWriteFailed, err)
	}
	return nil
}

func (s *Store) beginLocked(e *edit) {
	s.pending = append(s.pending, e)
	s.inflight++
	s.rebuildLocked()
}

// commit writes the confirmed collection plus e. On success the server echo,
// or the written collection, becomes the new confirmed state; either way e
// leaves the pending list, which rolls it back when the write failed.
func (s *Store) commit(ctx context.Context, e *edit) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	snapshot, ok := e.apply(domain.CloneAccessories(s.confirmed))
	s.mu.Unlock()

	var (
		doc *domain.Document
		err error
	)
	if ok {
		doc, err = s.remote.Update(ctx, s.userID, domain.Patch{Accessories: domain.CloneAccessories(snapshot)})
	} else {
		// The target only ever existed as another edit that did not persist.
		err = fmt.Errorf("%w: %s", domain.ErrNotFound, e.id)
	}

	s.mu.Lock()
	s.dropLocked(e)
	if err == nil {
		if doc != nil && doc.Accessories != nil {
			s.confirmed = domain.CloneAccessories(doc.Accessories)
		} else {
			s.confirmed = snapshot
		}
	}
	s.rebuildLocked()
	s.mu.Unlock()
	s.emit()
	return err
}

func (s *Store) dropLocked(e *edit) {
	for i, p := range s.pending {
		if p == e {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Store) rebuildLocked() {
	view := domain.CloneAccessories(s.confirmed)
	for _, e := range s.pending {
		view, _ = e.apply(view)
	}
	s.accessories = view
}

// settleInflight marks one mutation finished and runs a deferred refresh
// once nothing else is in flight.
func (s *Store) settleInflight(ctx context.Context) {
	s.mu.Lock()
	s.inflight--
	run := s.inflight == 0 && s.pendingRefresh
	if run {
		s.pendingRefresh = false
	}
	s.mu.Unlock()

	if !run {
		return
	}
	if err := s.fetch(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, domain.ErrRefreshDeferred) {
		s.logger.Error("deferred refresh", "error", err)
	}
}

func (s *Store) raiseLocked(key string) uint64 {
	s.loadingSeq++
	s.loading[key] = s.loadingSeq
	return s.loadingSeq
}

// lowerLocked clears key unless a newer operation raised it again.
func (s *Store) lowerLocked(key string, seq uint64) {
	if s.loading[key] == seq {
		delete(s.loading, key)
	}
}

func (s *Store) lowerAfter(key string, seq uint64, delay time.Duration) {
	if delay <= 0 {
		s.mu.Lock()
		s.lowerLocked(key, seq)
		s.mu.Unlock()
		return
	}
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.lowerLocked(key, seq)
		s.mu.Unlock()
	})
}

func (s *Store) indexLocked(id string) int {
	return indexOf(s.accessories, id)
}

func indexOf(items []domain.Accessory, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) emit() {
	s.mu.Lock()
	listeners := append([]func([]domain.Accessory){}, s.listeners...)
	snapshot := domain.CloneAccessories(s.accessories)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(domain.CloneAccessories(snapshot))
	}
}

func (s *Store) tellUser(ctx context.Context, message string) {
	if err := s.notifier.Notify(context.WithoutCancel(ctx), message); err != nil {
		s.logger.Error("notifying user", "error", err)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
