package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/suite"

	"github.com/mcoot/clanharvest/internal/dependencies/mocks"
	"github.com/mcoot/clanharvest/internal/metrics"
	"github.com/mcoot/clanharvest/internal/testutil"
)

type GatewaySuite struct {
	suite.Suite
	clock  *mocks.MockClock
	router *mux.Router
	server *httptest.Server
	ctx    context.Context
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) SetupTest() {
	s.clock = mocks.NewMockClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	s.router = mux.NewRouter()
	s.server = httptest.NewServer(s.router)
	s.ctx = context.Background()
}

func (s *GatewaySuite) TearDownTest() {
	s.server.Close()
}

func (s *GatewaySuite) newGateway(configure ...func(*Options)) *Gateway {
	opts := DefaultOptions()
	opts.Name = "test"
	opts.BaseURL = s.server.URL
	opts.MinDelay = 0
	opts.MaxDelay = 0
	opts.Clock = s.clock
	opts.Sleep = s.clock.Sleep
	opts.Metrics = metrics.New()
	opts.Logger = testutil.NopLogger()
	opts.HTTPClient = s.server.Client()
	for _, fn := range configure {
		fn(&opts)
	}
	return New(opts)
}

// respond registers path to answer with statuses in order, then 200 forever.
// It returns the hit counter.
func (s *GatewaySuite) respond(path string, statuses ...int) *atomic.Int32 {
	var hits atomic.Int32
	s.router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			_, _ = w.Write([]byte(`{"message":"nope"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	return &hits
}

func repeat(status, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = status
	}
	return out
}

// Cache tests

func (s *GatewaySuite) TestGetIsCached() {
	hits := s.respond("/players/zezima")
	gw := s.newGateway()

	var out struct{ OK bool }
	s.Require().NoError(gw.GetJSON(s.ctx, "/players/zezima", nil, &out))
	s.True(out.OK)
	s.Require().NoError(gw.GetJSON(s.ctx, "/players/zezima", nil, &out))

	s.Equal(int32(1), hits.Load())
	s.Equal(1, gw.Stats().CachedResponses)
}

func (s *GatewaySuite) TestCacheKeyIncludesQuery() {
	hits := s.respond("/names")
	gw := s.newGateway()

	_, err := gw.Do(s.ctx, Request{Path: "/names", Query: url.Values{"username": {"a"}}})
	s.Require().NoError(err)
	_, err = gw.Do(s.ctx, Request{Path: "/names", Query: url.Values{"username": {"b"}}})
	s.Require().NoError(err)
	_, err = gw.Do(s.ctx, Request{Path: "/names", Query: url.Values{"username": {"a"}}})
	s.Require().NoError(err)

	s.Equal(int32(2), hits.Load())
}

func (s *GatewaySuite) TestNoCacheBypassesCache() {
	hits := s.respond("/channels/1/messages")
	gw := s.newGateway()

	for range 3 {
		_, err := gw.Do(s.ctx, Request{Path: "/channels/1/messages", NoCache: true})
		s.Require().NoError(err)
	}
	s.Equal(int32(3), hits.Load())
}

func (s *GatewaySuite) TestCachedResponseExpires() {
	hits := s.respond("/groups/1")
	gw := s.newGateway()

	_, err := gw.Do(s.ctx, Request{Path: "/groups/1"})
	s.Require().NoError(err)
	s.clock.Advance(5*time.Minute + time.Second)
	_, err = gw.Do(s.ctx, Request{Path: "/groups/1"})
	s.Require().NoError(err)

	s.Equal(int32(2), hits.Load())
}

func (s *GatewaySuite) TestPostIsNeverCached() {
	var hits atomic.Int32
	s.router.HandleFunc("/players/zezima", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}).Methods(http.MethodPost)
	gw := s.newGateway()

	s.Require().NoError(gw.PostJSON(s.ctx, "/players/zezima", nil, nil))
	s.Require().NoError(gw.PostJSON(s.ctx, "/players/zezima", nil, nil))
	s.Equal(int32(2), hits.Load())
}

// Retry tests

func (s *GatewaySuite) TestServerErrorsAreRetriedWithBackoff() {
	hits := s.respond("/groups/1", http.StatusInternalServerError, http.StatusBadGateway)
	gw := s.newGateway()

	_, err := gw.Do(s.ctx, Request{Path: "/groups/1"})
	s.Require().NoError(err)
	s.Equal(int32(3), hits.Load())
	s.Equal([]time.Duration{2 * time.Second, 4 * time.Second}, s.clock.Sleeps())
}

func (s *GatewaySuite) TestServerErrorsExhaustAttempts() {
	hits := s.respond("/groups/1", repeat(http.StatusServiceUnavailable, 10)...)
	gw := s.newGateway()

	_, err := gw.Do(s.ctx, Request{Path: "/groups/1"})
	s.ErrorIs(err, ErrTransient)
	s.Equal(int32(6), hits.Load())
	s.Equal([]time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second,
	}, s.clock.Sleeps())
}

func (s *GatewaySuite) TestRateLimitsBackOffExponentially() {
	hits := s.respond("/players/a", repeat(http.StatusTooManyRequests, 3)...)
	gw := s.newGateway()

	_, err := gw.Do(s.ctx, Request{Path: "/players/a"})
	s.Require().NoError(err)
	s.Equal(int32(4), hits.Load())
	s.Equal([]time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, s.clock.Sleeps())
}

func (s *GatewaySuite) TestRateLimitsExhaustAttempts() {
	hits := s.respond("/players/a", repeat(http.StatusTooManyRequests, 10)...)
	gw := s.newGateway()

	_, err := gw.Do(s.ctx, Request{Path: "/players/a"})
	s.ErrorIs(err, ErrRateLimited)
	s.False(IsFatal(err))
	s.Equal(int32(6), hits.Load())
	s.Equal([]time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second,
	}, s.clock.Sleeps())
}

func (s *GatewaySuite) TestRateLimitAndServerErrorBackOffSeparately() {
	hits := s.respond("/players/a", http.StatusInternalServerError, http.StatusTooManyRequests, http.StatusBadGateway)
	gw := s.newGateway()

	_, err := gw.Do(s.ctx, Request{Path: "/players/a"})
	s.Require().NoError(err)
	s.Equal(int32(4), hits.Load())
	s.Equal([]time.Duration{2 * time.Second, 5 * time.Second, 4 * time.Second}, s.clock.Sleeps())
}

func (s *GatewaySuite) TestRetryAfterHeaderIsHonoured() {
	var hits atomic.Int32
	s.router.HandleFunc("/players/a", func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "45")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.Header().Set("Retry-After", "600")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	})
	gw := s.newGateway()

	_, err := gw.Do(s.ctx, Request{Path: "/players/a"})
	s.Require().NoError(err)
	s.Equal([]time.Duration{45 * time.Second, 60 * time.Second}, s.clock.Sleeps())
}

func (s *GatewaySuite) TestAuthFailuresAreFatal() {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		path := "/auth/" + http.StatusText(status)
		hits := s.respond(path, repeat(status, 10)...)
		gw := s.newGateway()

		_, err := gw.Do(s.ctx, Request{Path: path})
		s.ErrorIs(err, ErrAuth)
		s.True(IsFatal(err))
		s.Equal(int32(1), hits.Load())
	}
	s.Empty(s.clock.Sleeps())
}

func (s *GatewaySuite) TestClientErrorsAreNotRetried() {
	hits := s.respond("/players/ghost", http.StatusNotFound)
	gw := s.newGateway()

	_, err := gw.Do(s.ctx, Request{Path: "/players/ghost"})
	s.ErrorIs(err, ErrClient)
	s.True(IsNotFound(err))

	var apiErr *APIError
	s.Require().True(errors.As(err, &apiErr))
	s.Equal(http.StatusNotFound, apiErr.Status)
	s.Contains(apiErr.Body, "nope")
	s.Equal(int32(1), hits.Load())
	s.Empty(s.clock.Sleeps())
}

func (s *GatewaySuite) TestNetworkErrorsAreRetried() {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	gw := s.newGateway(func(o *Options) {
		o.BaseURL = deadURL
		o.HTTPClient = nil
	})

	_, err := gw.Do(s.ctx, Request{Path: "/groups/1"})
	s.ErrorIs(err, ErrTransient)
	s.Len(s.clock.Sleeps(), 5)
}

func (s *GatewaySuite) TestCallTimeoutBoundsTheWholeCall() {
	s.router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	gw := s.newGateway(func(o *Options) { o.CallTimeout = 50 * time.Millisecond })

	_, err := gw.Do(s.ctx, Request{Path: "/slow"})
	s.ErrorIs(err, context.DeadlineExceeded)
}

// Request shape tests

func (s *GatewaySuite) TestPostSendsJSONAndHeaders() {
	var gotKey, gotAgent, gotType string
	var gotBody map[string]string
	s.router.HandleFunc("/groups/7/update-all", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotAgent = r.Header.Get("User-Agent")
		gotType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"count":3}`))
	}).Methods(http.MethodPost)
	gw := s.newGateway(func(o *Options) {
		o.Headers = map[string]string{"x-api-key": "secret", "User-Agent": "clanharvest-test"}
	})

	var out struct{ Count int }
	s.Require().NoError(gw.PostJSON(s.ctx, "/groups/7/update-all", map[string]string{"verificationCode": "123-456"}, &out))

	s.Equal(3, out.Count)
	s.Equal("secret", gotKey)
	s.Equal("clanharvest-test", gotAgent)
	s.Equal("application/json", gotType)
	s.Equal("123-456", gotBody["verificationCode"])
}

func (s *GatewaySuite) TestBaseURLWithPathPrefix() {
	s.respond("/v2/groups/1")
	gw := s.newGateway(func(o *Options) { o.BaseURL = s.server.URL + "/v2/" })

	_, err := gw.Do(s.ctx, Request{Path: "groups/1"})
	s.NoError(err)
}

// Concurrency tests

func (s *GatewaySuite) TestConcurrentCallsAreCapped() {
	var inFlight, peak atomic.Int32
	s.router.HandleFunc("/players/{name}", func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write([]byte(`{}`))
	})
	gw := s.newGateway(func(o *Options) { o.MaxConcurrent = 2 })

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Do(s.ctx, Request{Path: "/players/" + name})
			s.NoError(err)
		}()
	}
	wg.Wait()

	s.LessOrEqual(peak.Load(), int32(2))
	s.GreaterOrEqual(peak.Load(), int32(1))
}

func (s *GatewaySuite) TestPacingSlowsDownUnderSustainedRateLimits() {
	s.respond("/players/a", repeat(http.StatusTooManyRequests, 5)...)
	gw := s.newGateway(func(o *Options) {
		o.MinDelay = time.Millisecond
		o.MaxDelay = 50 * time.Millisecond
	})

	_, err := gw.Do(s.ctx, Request{Path: "/players/a"})
	s.Require().NoError(err)

	stats := gw.Stats()
	s.Equal(5, stats.RecentRateLimits)
	s.Greater(stats.Delay, time.Millisecond)
}
