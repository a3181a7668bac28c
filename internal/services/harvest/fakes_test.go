package harvest

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/storage/memory"
)

// fakeStats is an in-process stats provider. Players without an explicit
// entry report a snapshot taken at defaultTakenAt.
type fakeStats struct {
	mu sync.Mutex

	roster    []model.RosterEntry
	rosterErr error

	players        map[string]*model.PlayerDetails
	playerErrs     map[string]error
	defaultTakenAt time.Time

	rescanned map[string]*model.PlayerDetails
	rescanErr error

	history map[string][]*model.Snapshot
	names   map[string][]model.NameChange

	updateErr error

	detailCalls  []string
	rescanCalls  []string
	historyCalls []string
	updateCalls  int
}

func newFakeStats(defaultTakenAt time.Time) *fakeStats {
	return &fakeStats{
		players:        map[string]*model.PlayerDetails{},
		playerErrs:     map[string]error{},
		rescanned:      map[string]*model.PlayerDetails{},
		history:        map[string][]*model.Snapshot{},
		names:          map[string][]model.NameChange{},
		defaultTakenAt: defaultTakenAt,
	}
}

func (f *fakeStats) GetGroupMembers(ctx context.Context, groupID string) ([]model.RosterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rosterErr != nil {
		return nil, f.rosterErr
	}
	return append([]model.RosterEntry(nil), f.roster...), nil
}

func (f *fakeStats) GetPlayerDetails(ctx context.Context, username string) (*model.PlayerDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(username)
	f.detailCalls = append(f.detailCalls, key)
	if err := f.playerErrs[key]; err != nil {
		return nil, err
	}
	if p, ok := f.players[key]; ok {
		return copyDetails(p), nil
	}
	return &model.PlayerDetails{
		Username:  username,
		UpdatedAt: f.defaultTakenAt,
		Latest:    &model.Snapshot{TakenAt: f.defaultTakenAt, TotalXP: 1000, EHP: 1.5},
	}, nil
}

func (f *fakeStats) GetPlayerSnapshots(ctx context.Context, username string, since time.Time) ([]*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(username)
	f.historyCalls = append(f.historyCalls, key)
	var out []*model.Snapshot
	for _, snap := range f.history[key] {
		c := *snap
		out = append(out, &c)
	}
	return out, nil
}

func (f *fakeStats) SearchNameChanges(ctx context.Context, name string) ([]model.NameChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[strings.ToLower(name)], nil
}

func (f *fakeStats) GetPlayerNameChanges(ctx context.Context, username string) ([]model.NameChange, error) {
	return nil, nil
}

func (f *fakeStats) RequestRescan(ctx context.Context, username string) (*model.PlayerDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(username)
	f.rescanCalls = append(f.rescanCalls, key)
	if f.rescanErr != nil {
		return nil, f.rescanErr
	}
	if p, ok := f.rescanned[key]; ok {
		return copyDetails(p), nil
	}
	return &model.PlayerDetails{
		Username:  username,
		UpdatedAt: f.defaultTakenAt,
		Latest:    &model.Snapshot{TakenAt: f.defaultTakenAt, TotalXP: 2000},
	}, nil
}

func (f *fakeStats) UpdateGroup(ctx context.Context, groupID, secret string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return 0, f.updateErr
	}
	return len(f.roster), nil
}

func copyDetails(p *model.PlayerDetails) *model.PlayerDetails {
	out := *p
	if p.Latest != nil {
		snap := *p.Latest
		out.Latest = &snap
	}
	return &out
}

type fetchCall struct {
	start, end time.Time
}

// fakeSource serves a fixed message list, oldest first, and records the
// windows it was asked for. With failAfter set, err is returned after that
// many messages instead of at the end.
type fakeSource struct {
	name      string
	messages  []model.Message
	err       error
	failAfter int
	calls     []fetchCall
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchMessages(ctx context.Context, start, end time.Time) iter.Seq2[model.Message, error] {
	f.calls = append(f.calls, fetchCall{start, end})
	return func(yield func(model.Message, error) bool) {
		yielded := 0
		for _, m := range f.messages {
			if m.CreatedAt.Before(start) || (!end.IsZero() && !m.CreatedAt.Before(end)) {
				continue
			}
			if f.failAfter > 0 && yielded == f.failAfter {
				yield(model.Message{}, f.err)
				return
			}
			yielded++
			if !yield(m, nil) {
				return
			}
		}
		if f.err != nil {
			yield(model.Message{}, f.err)
		}
	}
}

// failingInserts fails the failOn'th InsertMessages call
type failingInserts struct {
	*memory.Storage
	failOn int
	calls  int
}

func (f *failingInserts) InsertMessages(ctx context.Context, messages []model.Message) (int, int, error) {
	f.calls++
	if f.calls == f.failOn {
		return 0, 0, errors.New("disk full")
	}
	return f.Storage.InsertMessages(ctx, messages)
}

type publishedEvent struct {
	name string
	data any
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedEvent
}

func (p *recordingPublisher) Publish(event string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedEvent{name: event, data: data})
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	for i, e := range p.published {
		out[i] = e.name
	}
	return out
}
