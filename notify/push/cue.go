// Package push — Web Push-реализация аудиовыхода уведомлений: вместо звука
// в процессе клиента диспетчер будит браузерные подписки пользователя.
// Полезно, когда упомянутый канал открыт в фоне или вкладка свёрнута.
package push

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/superchat/logger"
)

// Subscription — браузерная push-подписка (endpoint + ключи).
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Cue рассылает уведомление об упоминании по всем зарегистрированным
// подпискам. Реализует notify.Cue: Play без аргументов — полезная нагрузка
// фиксированная, детали упоминания клиент дочитает из собственного фида.
type Cue struct {
	keys *VAPIDKeys
	sub  string // subject VAPID-клейма (mailto: или https:)

	mu   sync.Mutex
	subs map[string]Subscription // по endpoint
}

func NewCue(keys *VAPIDKeys, subject string) *Cue {
	return &Cue{
		keys: keys,
		sub:  subject,
		subs: make(map[string]Subscription),
	}
}

// Register добавляет подписку (повторная регистрация того же endpoint — замена).
func (c *Cue) Register(sub Subscription) {
	c.mu.Lock()
	c.subs[sub.Endpoint] = sub
	c.mu.Unlock()
}

// Unregister удаляет подписку по endpoint.
func (c *Cue) Unregister(endpoint string) {
	c.mu.Lock()
	delete(c.subs, endpoint)
	c.mu.Unlock()
}

type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Play шлёт уведомление по каждой подписке в отдельной горутине: диспетчер
// не ждёт сети. Endpoint, ответивший 404/410, удаляется (подписка отозвана
// браузером). Прочие сбои только логируются.
func (c *Cue) Play() {
	c.mu.Lock()
	subs := make([]Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(payload{Title: "Упоминание", Body: "Вас упомянули в сообщении"})
	if err != nil {
		logger.Errorf("push: encode payload: %v", err)
		return
	}

	for _, s := range subs {
		go c.send(s, body)
	}
}

func (c *Cue) send(sub Subscription, body []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}
	resp, err := webpush.SendNotification(body, s, &webpush.Options{
		HTTPClient:      &http.Client{Timeout: 10 * time.Second},
		Subscriber:      c.sub,
		VAPIDPublicKey:  c.keys.PublicKey,
		VAPIDPrivateKey: c.keys.PrivateKey,
		TTL:             60,
	})
	if err != nil {
		logger.Errorf("push: send to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		c.Unregister(sub.Endpoint)
		return
	}
	if resp.StatusCode >= 300 {
		logger.Errorf("push: send to %s: status %d", sub.Endpoint, resp.StatusCode)
	}
}
