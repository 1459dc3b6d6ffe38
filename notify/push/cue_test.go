package push

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVAPIDKeys(t *testing.T) *VAPIDKeys {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
}

// testSubscription собирает подписку с настоящей парой P-256: шифрование
// полезной нагрузки происходит до HTTP и требует валидного p256dh.
func testSubscription(t *testing.T, endpoint string) Subscription {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	var sub Subscription
	sub.Endpoint = endpoint
	sub.Keys.P256dh = base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes())
	sub.Keys.Auth = base64.RawURLEncoding.EncodeToString(auth)
	return sub
}

func TestPlayDeliversToEndpoint(t *testing.T) {
	var mu sync.Mutex
	var auth, ttl string
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		auth = r.Header.Get("Authorization")
		ttl = r.Header.Get("TTL")
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewCue(testVAPIDKeys(t), "mailto:dev@superchat.example")
	c.Register(testSubscription(t, srv.URL))
	c.Play()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, auth, "vapid", "запрос подписан VAPID-ключами")
	assert.Equal(t, "60", ttl)
}

func TestPlayEvictsRevokedSubscription(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(status)
			}))
			defer srv.Close()

			c := NewCue(testVAPIDKeys(t), "mailto:dev@superchat.example")
			c.Register(testSubscription(t, srv.URL))
			c.Play()

			require.Eventually(t, func() bool { return hits.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

			// удаление происходит после чтения ответа; повторяем Play,
			// пока не увидим, что endpoint больше не дёргается
			require.Eventually(t, func() bool {
				before := hits.Load()
				c.Play()
				time.Sleep(20 * time.Millisecond)
				return hits.Load() == before
			}, 5*time.Second, 50*time.Millisecond)
		})
	}
}

func TestPlayTransientFailureKeepsSubscription(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewCue(testVAPIDKeys(t), "mailto:dev@superchat.example")
	c.Register(testSubscription(t, srv.URL))

	c.Play()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	c.Play()
	require.Eventually(t, func() bool { return hits.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewCue(testVAPIDKeys(t), "mailto:dev@superchat.example")
	sub := testSubscription(t, srv.URL)
	c.Register(sub)
	c.Unregister(sub.Endpoint)

	c.Play()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), hits.Load())
}

func TestEnsureVAPIDKeysRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "vapid.json")

	first, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKey)
	require.NotEmpty(t, first.PrivateKey)

	// повторный запуск возвращает ту же пару, а не генерирует новую
	second, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
