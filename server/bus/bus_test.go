// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/db"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
)

func TestKafkaPublish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var d db.Deposit
		if err := json.Unmarshal(val, &d); err != nil {
			return err
		}
		if d.ID != 4 || d.Status != db.DepositConfirmed || !d.Amount.Equal(decimal.RequireFromString("0.5")) {
			return fmt.Errorf("wrong deposit %+v", d)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k := NewKafkaFromClients(producer, nil, time.Millisecond, custody.Disabled)
	dep := &db.Deposit{ID: 4, Status: db.DepositConfirmed, Amount: decimal.RequireFromString("0.5")}
	if err := k.Publish(context.Background(), TopicDepositUpdate, dep); err != nil {
		t.Fatal(err)
	}
	if err := k.Publish(context.Background(), TopicDepositUpdate, dep); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("wanted ErrOutOfBrokers, got %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
}

type tSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mtx    sync.Mutex
	marked []int64
}

func (s *tSession) Context() context.Context { return s.ctx }

func (s *tSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mtx.Lock()
	s.marked = append(s.marked, msg.Offset)
	s.mtx.Unlock()
}

type tClaim struct {
	sarama.ConsumerGroupClaim
	msgs chan *sarama.ConsumerMessage
}

func (c *tClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func TestGroupHandlerRequeue(t *testing.T) {
	attempts := make(map[string]int)
	h := func(_ context.Context, payload []byte) Disposition {
		attempts[string(payload)]++
		if string(payload) == "b" && attempts["b"] < 3 {
			return Requeue
		}
		return Ack
	}
	gh := &groupHandler{handle: h, retryDelay: time.Millisecond, log: custody.Disabled}
	claim := &tClaim{msgs: make(chan *sarama.ConsumerMessage, 3)}
	for i, v := range []string{"a", "b", "c"} {
		claim.msgs <- &sarama.ConsumerMessage{Topic: TopicWithdrawalCreation, Offset: int64(i), Value: []byte(v)}
	}
	close(claim.msgs)
	sess := &tSession{ctx: context.Background()}
	if err := gh.ConsumeClaim(sess, claim); err != nil {
		t.Fatal(err)
	}
	if attempts["a"] != 1 || attempts["b"] != 3 || attempts["c"] != 1 {
		t.Fatalf("wrong attempts %v", attempts)
	}
	if len(sess.marked) != 3 || sess.marked[0] != 0 || sess.marked[1] != 1 || sess.marked[2] != 2 {
		t.Fatalf("wrong marked offsets %v", sess.marked)
	}
}

func TestGroupHandlerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := func(context.Context, []byte) Disposition {
		cancel()
		return Requeue
	}
	gh := &groupHandler{handle: h, retryDelay: time.Hour, log: custody.Disabled}
	claim := &tClaim{msgs: make(chan *sarama.ConsumerMessage, 1)}
	claim.msgs <- &sarama.ConsumerMessage{Value: []byte("x")}
	sess := &tSession{ctx: ctx}
	if err := gh.ConsumeClaim(sess, claim); err != nil {
		t.Fatal(err)
	}
	if len(sess.marked) != 0 {
		t.Fatalf("requeued message marked")
	}
}

func TestMemBus(t *testing.T) {
	b := NewMemBus(time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Publish(ctx, TopicWithdrawalCreation, "x"); err != nil {
		t.Fatal(err)
	}
	b.Inject(TopicWithdrawalCreation, []byte(`"y"`))
	var seen []string
	var requeued bool
	done := make(chan struct{})
	go func() {
		b.Consume(ctx, TopicWithdrawalCreation, func(_ context.Context, payload []byte) Disposition {
			if string(payload) == `"x"` && !requeued {
				requeued = true
				return Requeue
			}
			seen = append(seen, string(payload))
			if len(seen) == 2 {
				cancel()
			}
			return Ack
		})
		close(done)
	}()
	<-done
	if len(seen) != 2 || seen[0] != `"y"` || seen[1] != `"x"` {
		t.Fatalf("wrong delivery order %v", seen)
	}
	if len(b.Published(TopicWithdrawalCreation)) != 2 {
		t.Fatalf("wrong published count")
	}
}

type tPublisher struct {
	topics []string
	err    error
}

func (p *tPublisher) Publish(_ context.Context, topic string, _ any) error {
	p.topics = append(p.topics, topic)
	return p.err
}

func TestEvents(t *testing.T) {
	pub := &tPublisher{err: errors.New("down")}
	ev := NewEvents(pub, custody.Disabled)
	ctx := context.Background()
	// Failures are swallowed.
	ev.DepositCreated(ctx, &db.Deposit{ID: 1})
	ev.DepositUpdated(ctx, &db.Deposit{ID: 1})
	ev.WithdrawalUpdated(ctx, &db.Withdrawal{ID: 2})
	want := []string{TopicDepositCreation, TopicDepositUpdate, TopicWithdrawalUpdate}
	for i := range want {
		if pub.topics[i] != want[i] {
			t.Fatalf("wanted %v, got %v", want, pub.topics)
		}
	}
}
