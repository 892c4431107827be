package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/channel"
)

func inbound(chatID, text string) channel.InboundMessage {
	return channel.InboundMessage{
		Provider:   channel.ProviderTelegram,
		ChatID:     chatID,
		MessageID:  text,
		AuthorID:   "u1",
		Content:    channel.TextContent(text),
		ReceivedAt: time.Now(),
	}
}

// runLoop drains the conversation the way the orchestrator does, invoking
// process for each popped message.
func runLoop(r *Registry, conv *Conversation, process func(channel.InboundMessage)) {
	for {
		msg, ok := r.Next(conv)
		if !ok {
			return
		}
		process(msg)
	}
}

func TestResolveReturnsSameConversation(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	a := r.Resolve(channel.ProviderTelegram, "chat-1")
	b := r.Resolve(channel.ProviderTelegram, "chat-1")
	if a != b {
		t.Fatal("expected the same conversation instance for one key")
	}
	c := r.Resolve(channel.ProviderDiscord, "chat-1")
	if a == c {
		t.Fatal("distinct providers must map to distinct conversations")
	}
	if a.Key != "telegram:chat-1" {
		t.Fatalf("unexpected key: %s", a.Key)
	}
}

func TestEnqueueStartsExactlyOneLoop(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	conv := r.Resolve(channel.ProviderTelegram, "chat-1")

	started, err := r.Enqueue(conv, inbound("chat-1", "m1"))
	if err != nil || !started {
		t.Fatalf("first enqueue should start the loop: started=%v err=%v", started, err)
	}
	started, err = r.Enqueue(conv, inbound("chat-1", "m2"))
	if err != nil || started {
		t.Fatalf("second enqueue must not start another loop: started=%v err=%v", started, err)
	}
	if conv.State() != StateRunning {
		t.Fatalf("expected running state, got %s", conv.State())
	}

	var processed []string
	runLoop(r, conv, func(msg channel.InboundMessage) {
		processed = append(processed, msg.Content.PlainText())
	})
	if len(processed) != 2 || processed[0] != "m1" || processed[1] != "m2" {
		t.Fatalf("unexpected processing order: %v", processed)
	}
	if conv.State() != StateIdle {
		t.Fatalf("expected idle state after drain, got %s", conv.State())
	}
}

func TestFIFOOrderUnderConcurrentEnqueue(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	conv := r.Resolve(channel.ProviderTelegram, "chat-1")

	const total = 50
	var mu sync.Mutex
	var processed []string
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32

	var loops sync.WaitGroup
	for i := 0; i < total; i++ {
		msg := inbound("chat-1", fmt.Sprintf("m%03d", i))
		started, err := r.Enqueue(conv, msg)
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		if started {
			loops.Add(1)
			go func() {
				defer loops.Done()
				runLoop(r, conv, func(m channel.InboundMessage) {
					cur := inFlight.Add(1)
					if cur > maxInFlight.Load() {
						maxInFlight.Store(cur)
					}
					time.Sleep(time.Millisecond)
					mu.Lock()
					processed = append(processed, m.Content.PlainText())
					mu.Unlock()
					inFlight.Add(-1)
				})
			}()
		}
	}
	loops.Wait()

	if maxInFlight.Load() != 1 {
		t.Fatalf("expected at most one concurrent run per key, saw %d", maxInFlight.Load())
	}
	if len(processed) != total {
		t.Fatalf("expected %d processed messages, got %d", total, len(processed))
	}
	for i := 1; i < len(processed); i++ {
		if processed[i-1] >= processed[i] {
			t.Fatalf("order violated at %d: %s >= %s", i, processed[i-1], processed[i])
		}
	}
}

func TestDistinctKeysProgressIndependently(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	slow := r.Resolve(channel.ProviderTelegram, "slow")
	fast := r.Resolve(channel.ProviderTelegram, "fast")

	block := make(chan struct{})
	slowStarted := make(chan struct{})
	var loops sync.WaitGroup

	if started, _ := r.Enqueue(slow, inbound("slow", "s1")); started {
		loops.Add(1)
		go func() {
			defer loops.Done()
			runLoop(r, slow, func(channel.InboundMessage) {
				close(slowStarted)
				<-block
			})
		}()
	}
	<-slowStarted

	fastDone := make(chan struct{})
	if started, _ := r.Enqueue(fast, inbound("fast", "f1")); started {
		loops.Add(1)
		go func() {
			defer loops.Done()
			runLoop(r, fast, func(channel.InboundMessage) {})
			close(fastDone)
		}()
	}

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast conversation blocked behind slow conversation")
	}
	close(block)
	loops.Wait()
}

func TestDrainRejectsNewWorkAndWaits(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	conv := r.Resolve(channel.ProviderTelegram, "chat-1")

	release := make(chan struct{})
	processing := make(chan struct{})
	started, _ := r.Enqueue(conv, inbound("chat-1", "m1"))
	if !started {
		t.Fatal("expected loop start")
	}
	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		runLoop(r, conv, func(channel.InboundMessage) {
			close(processing)
			<-release
		})
	}()
	<-processing

	drainDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		drainDone <- r.Drain(ctx)
	}()

	// Give Drain a moment to flip the draining flag.
	time.Sleep(20 * time.Millisecond)
	if _, err := r.Enqueue(conv, inbound("chat-1", "m2")); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}

	close(release)
	if err := <-drainDone; err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	loops.Wait()
}

func TestDrainExcludesRacingEnqueues(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	var drained atomic.Bool
	var lateRuns atomic.Int32
	stop := make(chan struct{})
	var workers sync.WaitGroup
	for i := 0; i < 8; i++ {
		workers.Add(1)
		go func(i int) {
			defer workers.Done()
			conv := r.Resolve(channel.ProviderTelegram, fmt.Sprintf("chat-%d", i))
			for {
				select {
				case <-stop:
					return
				default:
				}
				started, err := r.Enqueue(conv, inbound(conv.ChatID, "m"))
				if err != nil {
					return
				}
				if started {
					runLoop(r, conv, func(channel.InboundMessage) {
						if drained.Load() {
							lateRuns.Add(1)
						}
					})
				}
			}
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	drained.Store(true)
	close(stop)
	workers.Wait()

	if n := lateRuns.Load(); n != 0 {
		t.Fatalf("%d messages processed after drain returned", n)
	}
}

func TestDrainTimesOut(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	conv := r.Resolve(channel.ProviderTelegram, "chat-1")
	release := make(chan struct{})
	processing := make(chan struct{})
	if started, _ := r.Enqueue(conv, inbound("chat-1", "m1")); started {
		go runLoop(r, conv, func(channel.InboundMessage) {
			close(processing)
			<-release
		})
	}
	<-processing
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
}

func TestSetTitleOnce(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	conv := r.Resolve(channel.ProviderWebsite, "s1")
	if !conv.SetTitleOnce("First topic") {
		t.Fatal("first title set should take")
	}
	if conv.SetTitleOnce("Second topic") {
		t.Fatal("second title set must not overwrite")
	}
	if conv.Title() != "First topic" {
		t.Fatalf("unexpected title: %s", conv.Title())
	}
}

func TestEvictIdleSkipsBusyConversations(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	idle := r.Resolve(channel.ProviderTelegram, "idle")
	busy := r.Resolve(channel.ProviderTelegram, "busy")
	if started, _ := r.Enqueue(busy, inbound("busy", "m1")); !started {
		t.Fatal("expected loop start")
	}

	// Backdate both conversations past the TTL.
	for _, conv := range []*Conversation{idle, busy} {
		conv.mu.Lock()
		conv.lastActivity = time.Now().Add(-time.Hour)
		conv.mu.Unlock()
	}

	if evicted := r.EvictIdle(30 * time.Minute); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if _, ok := r.Get(busy.Key); !ok {
		t.Fatal("running conversation must survive eviction")
	}
	if _, ok := r.Get(idle.Key); ok {
		t.Fatal("idle conversation should be evicted")
	}
	runLoop(r, busy, func(channel.InboundMessage) {})
}
