package mirror

import (
	"fmt"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestNextRotatesFairly(t *testing.T) {
	urls := []*url.URL{
		mustParse(t, "https://a.example.com/file"),
		mustParse(t, "https://b.example.com/file"),
		mustParse(t, "https://c.example.com/file"),
	}
	pool := NewPool(urls)

	// K consecutive calls return each URL exactly once.
	seen := make(map[string]int)
	for i := 0; i < len(urls); i++ {
		seen[pool.Next().Host]++
	}
	for _, u := range urls {
		assert.Equal(t, 1, seen[u.Host])
	}

	// Rotation wraps around in the same order.
	assert.Equal(t, "a.example.com", pool.Next().Host)
	assert.Equal(t, "b.example.com", pool.Next().Host)
}

func TestPrimaryIsStable(t *testing.T) {
	pool := NewPool([]*url.URL{
		mustParse(t, "https://first.example.com/f"),
		mustParse(t, "https://second.example.com/f"),
	})

	pool.Next()
	pool.Next()
	pool.Next()
	assert.Equal(t, "first.example.com", pool.Primary().Host)
}

func TestNextConcurrent(t *testing.T) {
	var urls []*url.URL
	for i := 0; i < 4; i++ {
		urls = append(urls, mustParse(t, fmt.Sprintf("https://m%d.example.com/f", i)))
	}
	pool := NewPool(urls)

	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	counts := make([]map[string]int, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			counts[w] = make(map[string]int)
			for i := 0; i < perWorker; i++ {
				counts[w][pool.Next().Host]++
			}
		}(w)
	}
	wg.Wait()

	// Selection is fair over time: every mirror was used the same number
	// of times in aggregate.
	total := make(map[string]int)
	for _, c := range counts {
		for host, n := range c {
			total[host] += n
		}
	}
	for _, u := range urls {
		assert.Equal(t, workers*perWorker/len(urls), total[u.Host])
	}
}

func TestNewPoolPanicsOnEmpty(t *testing.T) {
	assert.Panics(t, func() { NewPool(nil) })
}
