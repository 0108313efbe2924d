package frames

import (
	"sync"
	"testing"
)

func TestBufferLastWriteWins(t *testing.T) {
	buf := NewBuffer()

	if _, ok := buf.Current("front"); ok {
		t.Fatalf("expected no frame before first update")
	}

	buf.Update(Frame{Stream: "front", Seq: 1})
	buf.Update(Frame{Stream: "front", Seq: 2})
	buf.Update(Frame{Stream: "third", Seq: 7})

	f, ok := buf.Current("front")
	if !ok {
		t.Fatalf("expected frame for stream front")
	}
	if f.Seq != 2 {
		t.Fatalf("expected latest seq 2, got %d", f.Seq)
	}

	f, ok = buf.Current("third")
	if !ok || f.Seq != 7 {
		t.Fatalf("unexpected third frame: %+v ok=%v", f, ok)
	}

	if got := len(buf.Streams()); got != 2 {
		t.Fatalf("expected 2 streams, got %d", got)
	}
}

func TestBufferConcurrentWriters(t *testing.T) {
	buf := NewBuffer()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			for seq := int64(0); seq < 200; seq++ {
				buf.Update(Frame{Stream: stream, Seq: seq})
			}
		}([]string{"front", "third"}[i%2])
	}
	wg.Wait()

	for _, stream := range []string{"front", "third"} {
		f, ok := buf.Current(stream)
		if !ok {
			t.Fatalf("no frame for %s after concurrent writes", stream)
		}
		if f.Seq != 199 {
			t.Fatalf("expected final seq 199 for %s, got %d", stream, f.Seq)
		}
	}
}
