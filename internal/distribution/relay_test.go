package distribution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/fragmenter/internal/fragment"
)

func media(seq uint32) *fragment.Output {
	return &fragment.Output{Sequence: seq, Media: []byte{byte(seq)}, Duration: 3000}
}

func TestRelayInit(t *testing.T) {
	t.Parallel()
	r := NewRelay(3)

	if _, ok := r.Init(); ok {
		t.Fatal("Init should not be available before PublishInit")
	}

	r.PublishInit(&fragment.Output{Init: []byte("init"), Codec: "avc1.4D401F", Width: 256, Height: 192})
	r.PublishInit(&fragment.Output{Init: []byte("other"), Codec: "avc1.640028"})

	data, ok := r.Init()
	if !ok || string(data) != "init" {
		t.Fatalf("Init = %q, %v; want first init segment", data, ok)
	}
	info := r.Info()
	if info.Codec != "avc1.4D401F" || info.Width != 256 || info.Height != 192 {
		t.Errorf("Info = %+v", info)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !r.WaitInit(ctx) {
		t.Error("WaitInit should return true once published")
	}
}

func TestRelayWaitInitTimeout(t *testing.T) {
	t.Parallel()
	r := NewRelay(3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if r.WaitInit(ctx) {
		t.Error("WaitInit should time out without an init segment")
	}
}

func TestRelayWindow(t *testing.T) {
	t.Parallel()
	r := NewRelay(3)
	for seq := uint32(1); seq <= 5; seq++ {
		r.PublishMedia(media(seq))
	}

	got := r.Sequences()
	want := []uint32{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Sequences = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Sequences = %v, want %v", got, want)
		}
	}

	if _, ok := r.Segment(2); ok {
		t.Error("segment 2 should have been evicted")
	}
	seg, ok := r.Segment(4)
	if !ok || seg.Data[0] != 4 || seg.Duration != 3000 {
		t.Errorf("Segment(4) = %+v, %v", seg, ok)
	}
	latest, ok := r.Latest()
	if !ok || latest.Sequence != 5 {
		t.Errorf("Latest = %+v, %v", latest, ok)
	}
}

func TestRelayDefaultWindow(t *testing.T) {
	t.Parallel()
	r := NewRelay(0)
	for seq := uint32(1); seq <= DefaultWindow+2; seq++ {
		r.PublishMedia(media(seq))
	}
	if n := len(r.Sequences()); n != DefaultWindow {
		t.Errorf("window = %d, want %d", n, DefaultWindow)
	}
}

func TestRelaySubscribe(t *testing.T) {
	t.Parallel()
	r := NewRelay(3)
	sub := r.Subscribe()
	if r.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", r.SubscriberCount())
	}

	r.PublishMedia(media(1))
	r.PublishMedia(media(2))

	for _, want := range []uint32{1, 2} {
		select {
		case got := <-sub.C:
			if got != want {
				t.Errorf("notification = %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("notification not delivered")
		}
	}

	r.Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	// Second Unsubscribe must not panic.
	r.Unsubscribe(sub)
}

func TestRelaySlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	r := NewRelay(3)
	sub := r.Subscribe()
	for seq := uint32(1); seq <= subscriberBuffer+5; seq++ {
		r.PublishMedia(media(seq))
	}
	if sub.Dropped() != 5 {
		t.Errorf("Dropped = %d, want 5", sub.Dropped())
	}
}

func TestRelayClose(t *testing.T) {
	t.Parallel()
	r := NewRelay(3)
	sub := r.Subscribe()
	r.Close()
	r.Close()

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after Close")
	}
	r.PublishMedia(media(1))
	if _, ok := r.Latest(); ok {
		t.Error("closed relay should ignore segments")
	}
	late := r.Subscribe()
	if _, ok := <-late.C; ok {
		t.Error("subscription on a closed relay should be closed")
	}
}

func TestRelayConcurrent(t *testing.T) {
	t.Parallel()
	r := NewRelay(5)
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sub := r.Subscribe()
			for range 10 {
				r.Latest()
				r.Sequences()
			}
			r.Unsubscribe(sub)
		}(i)
	}
	for seq := uint32(1); seq <= 50; seq++ {
		r.PublishMedia(media(seq))
	}
	wg.Wait()
}
