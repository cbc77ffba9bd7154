package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalik/stockflow/internal/domain"
)

var (
	testNow = time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)
	testRef = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
)

const weekCSV = `Date,Open,High,Low,Close,Volume
2024-03-11,171.00,173.00,170.50,172.50,60000000
2024-03-12,172.60,174.10,172.00,173.80,55000000
2024-03-13,173.90,175.00,173.10,174.20,58000000
2024-03-14,174.00,174.80,172.90,173.50,51000000
2024-03-15,173.40,175.20,173.00,175.00,62000000
`

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := NewClient(Config{
		BaseURL:        baseURL,
		RequestTimeout: 2 * time.Second,
		MinDelay:       time.Millisecond,
		MaxRetries:     2,
		BackoffBase:    time.Millisecond,
	}, zerolog.Nop())
	c.now = func() time.Time { return testNow }
	return c
}

func aapl() domain.Instrument {
	return domain.Instrument{Symbol: "AAPL.US", Kind: domain.KindStock, Exchange: "NASDAQ"}
}

func TestFetch_HappyPath(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(weekCSV))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	batch, err := c.Fetch(context.Background(), aapl(), Last(5, testRef))
	require.NoError(t, err)

	assert.Equal(t, []string{"aapl.us"}, gotQuery["s"])
	assert.Equal(t, []string{"d"}, gotQuery["i"])
	assert.Equal(t, []string{"20240315"}, gotQuery["d2"])

	require.Len(t, batch.Bars, 5)
	assert.Equal(t, 0, batch.Rejected)
	assert.True(t, batch.Bars[0].Date.Before(batch.Bars[4].Date), "bars ascending")
	assert.Len(t, batch.Bars[0].RawHash, 64)
	assert.Equal(t, "AAPL.US", batch.Bars[0].Symbol)
}

func TestFetch_LatestBoundSingleDay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20240315", r.URL.Query().Get("d1"))
		assert.Equal(t, "20240315", r.URL.Query().Get("d2"))
		w.Write([]byte("Date,Open,High,Low,Close,Volume\n2024-03-15,173.40,175.20,173.00,175.00,62000000\n"))
	}))
	defer srv.Close()

	batch, err := testClient(t, srv.URL).Fetch(context.Background(), aapl(), Latest(testRef))
	require.NoError(t, err)
	require.Len(t, batch.Bars, 1)
}

func TestFetch_RetriesTransientThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(weekCSV))
	}))
	defer srv.Close()

	batch, err := testClient(t, srv.URL).Fetch(context.Background(), aapl(), Last(5, testRef))
	require.NoError(t, err)
	assert.Len(t, batch.Bars, 5)
	assert.Equal(t, 3, calls)
}

func TestFetch_NetworkErrorKeepsCause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Fetch(context.Background(), aapl(), Latest(testRef))
	require.ErrorIs(t, err, ErrNetwork)

	// The status detail must survive the ErrNetwork wrap.
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.code)
}

func TestFetch_CancelledContextKeepsCause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(weekCSV))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testClient(t, srv.URL).Fetch(ctx, aapl(), Latest(testRef))
	require.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetch_ClientErrorFailsImmediately(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Fetch(context.Background(), aapl(), Latest(testRef))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, 1, calls, "4xx must not be retried")
}

func TestFetch_RetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Fetch(context.Background(), aapl(), Latest(testRef))
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestFetch_MissingColumnFailsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Date,Open,High,Low,Close\n2024-03-15,1,2,0.5,1.5\n"))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Fetch(context.Background(), aapl(), Latest(testRef))
	assert.ErrorIs(t, err, ErrParse)
}

func TestFetch_EmptyPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("No data"))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Fetch(context.Background(), aapl(), Latest(testRef))
	assert.ErrorIs(t, err, ErrEmpty)
	assert.True(t, IsEmpty(err))
}

func TestFetch_HeaderOnlyYieldsEmptyBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Date,Open,High,Low,Close,Volume\n"))
	}))
	defer srv.Close()

	batch, err := testClient(t, srv.URL).Fetch(context.Background(), aapl(), Latest(testRef))
	require.NoError(t, err)
	assert.Empty(t, batch.Bars)
	assert.Equal(t, 0, batch.Rejected)
}

func TestFetch_RejectsBadRowsKeepsGoodOnes(t *testing.T) {
	payload := "Date,Open,High,Low,Close,Volume\n" +
		"2024-03-13,173.90,175.00,173.10,174.20,58000000\n" +
		"2024-03-14,174.00,170.00,172.90,173.50,51000000\n" + // high < low
		"2024-03-15,not-a-number,175.20,173.00,175.00,62000000\n" +
		"2024-03-18,999.00,999.00,999.00,999.00,1\n" // future relative to testNow
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	batch, err := testClient(t, srv.URL).Fetch(context.Background(), aapl(), Last(10, time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Len(t, batch.Bars, 1)
	assert.Equal(t, 3, batch.Rejected)
}

func TestFetch_LastNTrimsToWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(weekCSV))
	}))
	defer srv.Close()

	batch, err := testClient(t, srv.URL).Fetch(context.Background(), aapl(), Last(3, testRef))
	require.NoError(t, err)
	require.Len(t, batch.Bars, 3)
	assert.Equal(t, time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC), batch.Bars[0].Date)
	assert.Equal(t, testRef, batch.Bars[2].Date)
}

func TestFetch_DuplicateDateKeepsLastVersion(t *testing.T) {
	payload := "Date,Open,High,Low,Close,Volume\n" +
		"2024-03-15,173.40,175.20,173.00,174.00,62000000\n" +
		"2024-03-15,173.40,175.20,173.00,175.00,62000000\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	batch, err := testClient(t, srv.URL).Fetch(context.Background(), aapl(), Latest(testRef))
	require.NoError(t, err)
	require.Len(t, batch.Bars, 1)
	assert.Equal(t, 175.00, batch.Bars[0].Close)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[key]
	return p, ok
}

func (m *mapCache) Set(_ context.Context, key string, payload []byte, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = payload
}

func TestFetch_CacheReadThrough(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(weekCSV))
	}))
	defer srv.Close()

	cache := &mapCache{data: make(map[string][]byte)}
	c := testClient(t, srv.URL).WithCache(cache)

	_, err := c.Fetch(context.Background(), aapl(), Last(5, testRef))
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	batch, err := c.Fetch(context.Background(), aapl(), Last(5, testRef))
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second fetch must come from cache")
	assert.Len(t, batch.Bars, 5)
}
