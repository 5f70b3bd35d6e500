// Package notify fans settled payments out to live subscribers and webhooks.
package notify

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"LNCustody/internal/models"

	"go.uber.org/zap"
)

const DefaultBuffer = 16

type Subscription struct {
	key string
	id  uint64
	ch  chan []byte
	n   *Notifier
}

// C delivers raw JSON messages. It is closed by Close.
func (s *Subscription) C() <-chan []byte { return s.ch }

func (s *Subscription) Close() { s.n.unsubscribe(s) }

// Notifier is a registry of bounded subscriber queues keyed by wallet
// invoice key or payment hash. A full queue drops the message.
type Notifier struct {
	mu      sync.Mutex
	subs    map[string]map[uint64]chan []byte
	nextID  uint64
	buffer  int
	dropped atomic.Int64
	log     *zap.Logger
}

func New(buffer int, log *zap.Logger) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{subs: map[string]map[uint64]chan []byte{}, buffer: buffer, log: log}
}

func walletKey(invoiceKey string) string { return "wallet:" + invoiceKey }
func hashKey(paymentHash string) string  { return "hash:" + paymentHash }

func (n *Notifier) SubscribeWallet(invoiceKey string) *Subscription {
	return n.subscribe(walletKey(invoiceKey))
}

func (n *Notifier) SubscribeHash(paymentHash string) *Subscription {
	return n.subscribe(hashKey(paymentHash))
}

func (n *Notifier) subscribe(key string) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	s := &Subscription{key: key, id: n.nextID, ch: make(chan []byte, n.buffer), n: n}
	if n.subs[key] == nil {
		n.subs[key] = map[uint64]chan []byte{}
	}
	n.subs[key][s.id] = s.ch
	return s
}

func (n *Notifier) unsubscribe(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.subs[s.key]
	ch, ok := set[s.id]
	if !ok {
		return
	}
	delete(set, s.id)
	if len(set) == 0 {
		delete(n.subs, s.key)
	}
	close(ch)
}

// publish never blocks; it returns how many subscribers took the message.
func (n *Notifier) publish(key string, msg []byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	delivered := 0
	for _, ch := range n.subs[key] {
		select {
		case ch <- msg:
			delivered++
		default:
			n.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped counts messages discarded on full queues.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

func (n *Notifier) WalletSubscribers(invoiceKey string) int {
	return n.subscribers(walletKey(invoiceKey))
}

func (n *Notifier) HashSubscribers(paymentHash string) int {
	return n.subscribers(hashKey(paymentHash))
}

func (n *Notifier) subscribers(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[key])
}

type WalletMessage struct {
	WalletBalance int64                `json:"wallet_balance"`
	Payment       models.PublicPayment `json:"payment"`
}

type HashMessage struct {
	Pending bool                 `json:"pending"`
	Status  models.PaymentStatus `json:"status"`
}

// PublishPayment tells the wallet's subscribers about p and the wallet's
// balance (msat, reported in sats).
func (n *Notifier) PublishPayment(invoiceKey string, balanceMsat int64, p *models.Payment) int {
	raw, err := json.Marshal(WalletMessage{WalletBalance: balanceMsat / 1000, Payment: p.Public()})
	if err != nil {
		n.log.Error("marshal wallet message", zap.Error(err))
		return 0
	}
	return n.publish(walletKey(invoiceKey), raw)
}

func (n *Notifier) PublishHash(paymentHash string, status models.PaymentStatus) int {
	raw, _ := json.Marshal(HashMessage{Pending: status == models.PaymentPending, Status: status})
	return n.publish(hashKey(paymentHash), raw)
}

// Close ends every subscription.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, set := range n.subs {
		for id, ch := range set {
			close(ch)
			delete(set, id)
		}
		delete(n.subs, key)
	}
}
