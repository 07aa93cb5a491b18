package xget

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"
)

func Test_ReassemblyBuffer_InOrder(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("A single slot reads back exactly what was written, in order", t, func() {
		b := NewReassemblyBuffer(1, 0, false, true)

		b.Write(0, []byte("hello "))
		b.Write(0, []byte("world"))
		b.End(0)

		var got []byte
		for {
			data, ok := b.Read(0)
			if !ok {
				break
			}
			got = append(got, data...)
		}
		So(string(got), ShouldEqual, "hello world")
	})
}

func Test_ReassemblyBuffer_MultiSlot(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Each slot is independently FIFO, drained in slot order by the caller", t, func() {
		b := NewReassemblyBuffer(3, 0, false, true)

		done := make(chan struct{})
		go func() {
			b.Write(0, []byte("a"))
			b.End(0)
			b.Write(1, []byte("b"))
			b.End(1)
			b.Write(2, []byte("c"))
			b.End(2)
			close(done)
		}()

		var got []byte
		for i := 0; i < 3; i++ {
			for {
				data, ok := b.Read(i)
				if !ok {
					break
				}
				got = append(got, data...)
			}
		}
		<-done
		So(string(got), ShouldEqual, "abc")
	})
}

func Test_ReassemblyBuffer_CapacitySplitsChunks(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("A write larger than remaining capacity splits, with reallocate=false keeping the tail in place", t, func() {
		b := NewReassemblyBuffer(1, 4, false, true)

		writeDone := make(chan struct{})
		go func() {
			b.Write(0, []byte("abcdefgh"))
			b.End(0)
			close(writeDone)
		}()

		var got []byte
		for {
			data, ok := b.Read(0)
			if !ok {
				break
			}
			got = append(got, data...)
		}
		<-writeDone
		So(string(got), ShouldEqual, "abcdefgh")
	})
}

func Test_ReassemblyBuffer_Reallocate(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("With reallocate=true, an overflow tail is requeued behind other slots' entries but stays in slot order", t, func() {
		b := NewReassemblyBuffer(2, 4, true, true)

		writeDone := make(chan struct{})
		go func() {
			b.Write(0, []byte("abcdefgh")) // 8 bytes > 4-byte capacity: splits and requeues the tail
			b.End(0)
			b.Write(1, []byte("ij"))
			b.End(1)
			close(writeDone)
		}()

		var got0, got1 []byte
		for {
			data, ok := b.Read(0)
			if !ok {
				break
			}
			got0 = append(got0, data...)
		}
		for {
			data, ok := b.Read(1)
			if !ok {
				break
			}
			got1 = append(got1, data...)
		}

		select {
		case <-writeDone:
		case <-time.After(2 * time.Second):
			t.Fatal("writer goroutine deadlocked")
		}
		So(string(got0), ShouldEqual, "abcdefgh")
		So(string(got1), ShouldEqual, "ij")
	})
}

func Test_ReassemblyBuffer_BypassAvoidsDeadlock(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("A full buffer still delivers to a reader waiting on the slot that's blocking capacity", t, func() {
		b := NewReassemblyBuffer(1, 2, false, true)

		writeDone := make(chan struct{})
		go func() {
			b.Write(0, []byte("xx"))
			b.Write(0, []byte("yy")) // arrives while the buffer is full; must still reach the reader
			b.End(0)
			close(writeDone)
		}()

		var got []byte
		for {
			data, ok := b.Read(0)
			if !ok {
				break
			}
			got = append(got, data...)
		}

		select {
		case <-writeDone:
		case <-time.After(2 * time.Second):
			t.Fatal("writer goroutine deadlocked on a full buffer")
		}
		So(string(got), ShouldEqual, "xxyy")
	})
}

func Test_ReassemblyBuffer_SetCapacity(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Lowering capacity below current load drains silently rather than rejecting new writes", t, func() {
		b := NewReassemblyBuffer(1, 100, false, true)
		b.Write(0, make([]byte, 50))

		err := b.SetCapacity(10)
		So(err, ShouldBeNil)

		data, ok := b.Read(0)
		So(ok, ShouldBeTrue)
		So(data, ShouldHaveLength, 50)

		b.End(0)
		_, ok = b.Read(0)
		So(ok, ShouldBeFalse)
	})

	Convey("A non-positive capacity is rejected", t, func() {
		b := NewReassemblyBuffer(1, 100, false, true)
		err := b.SetCapacity(0)
		So(err, ShouldNotBeNil)
	})
}

func Test_ReassemblyBuffer_Metrics(t *testing.T) {
	Convey("Metrics reports the peak length observed across ticks", t, func() {
		b := NewReassemblyBuffer(1, 0, false, true)
		b.Write(0, make([]byte, 10))
		b.Write(0, make([]byte, 20))
		max, _ := b.Metrics()
		So(max, ShouldEqual, 30)
	})
}
