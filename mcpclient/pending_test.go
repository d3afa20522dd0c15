package mcpclient

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func responseFrame(id int64) *frame {
	return &frame{
		JSONRPC: jsonrpcVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Result:  json.RawMessage(strconv.FormatInt(id, 10)),
	}
}

func TestPendingTable_ResolveThenRemove(t *testing.T) {
	p := newPendingTable()
	ch := p.register(1)
	require.Equal(t, 1, p.len())

	assert.True(t, p.resolve(1, pendingResult{frame: responseFrame(1)}))
	assert.False(t, p.remove(1), "entry must already be gone")
	assert.False(t, p.resolve(1, pendingResult{frame: responseFrame(1)}), "second resolution must be rejected")

	res := <-ch
	assert.Equal(t, "1", string(res.frame.Result))
	assert.Equal(t, 0, p.len())
}

func TestPendingTable_RemoveThenResolve(t *testing.T) {
	p := newPendingTable()
	ch := p.register(7)

	assert.True(t, p.remove(7))
	assert.False(t, p.resolve(7, pendingResult{frame: responseFrame(7)}))
	select {
	case <-ch:
		t.Fatal("removed waiter must not receive a result")
	default:
	}
}

func TestPendingTable_FailAll(t *testing.T) {
	p := newPendingTable()
	chans := []<-chan pendingResult{p.register(1), p.register(2), p.register(3)}
	boom := errors.New("gone")

	assert.Equal(t, 3, p.failAll(boom))
	for _, ch := range chans {
		res := <-ch
		assert.ErrorIs(t, res.err, boom)
	}
	assert.Equal(t, 0, p.len())
}

func TestPendingTable_CorrelationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	// Property: whatever order responses arrive in, and whichever waiters
	// give up first, every surviving waiter receives exactly its own id.
	properties.Property("responses reach their own waiter", prop.ForAll(
		func(n int, seed int64, timeoutMask uint64) bool {
			p := newPendingTable()
			chans := make(map[int64]<-chan pendingResult, n)
			for id := int64(1); id <= int64(n); id++ {
				chans[id] = p.register(id)
			}

			timedOut := make(map[int64]bool)
			for id := int64(1); id <= int64(n); id++ {
				if timeoutMask&(1<<uint(id%64)) != 0 && p.remove(id) {
					timedOut[id] = true
				}
			}

			order := rand.New(rand.NewSource(seed)).Perm(n)
			var wg sync.WaitGroup
			for _, idx := range order {
				id := int64(idx + 1)
				wg.Add(1)
				go func() {
					defer wg.Done()
					p.resolve(id, pendingResult{frame: responseFrame(id)})
				}()
			}
			wg.Wait()

			for id, ch := range chans {
				if timedOut[id] {
					select {
					case <-ch:
						return false
					default:
					}
					continue
				}
				res := <-ch
				got, ok := res.frame.numericID()
				if !ok || got != id || string(res.frame.Result) != strconv.FormatInt(id, 10) {
					return false
				}
			}
			return p.len() == 0
		},
		gen.IntRange(1, 60),
		gen.Int64(),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
