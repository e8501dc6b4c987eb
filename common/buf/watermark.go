package buf

// WatermarkBuffer is an OwnedBuffer that reports when its length crosses
// above the high watermark and later drops below the low watermark. Each
// notifier fires once per crossing.
type WatermarkBuffer struct {
	OwnedBuffer
	lowWatermark             int
	highWatermark            int
	onLowWatermark           func()
	onHighWatermark          func()
	aboveHighWatermarkCalled bool
}

func NewWatermarkBuffer(onLowWatermark func(), onHighWatermark func()) *WatermarkBuffer {
	buffer := &WatermarkBuffer{
		onLowWatermark:  onLowWatermark,
		onHighWatermark: onHighWatermark,
	}
	buffer.OwnedBuffer.onChange = buffer.checkWatermarks
	return buffer
}

// SetWatermarks sets the high watermark and a low watermark of half of it.
// A zero high watermark disables tracking.
func (b *WatermarkBuffer) SetWatermarks(highWatermark int) {
	b.SetWatermarksLowHigh(highWatermark/2, highWatermark)
}

func (b *WatermarkBuffer) SetWatermarksLowHigh(lowWatermark int, highWatermark int) {
	if lowWatermark > highWatermark {
		panic("low watermark above high watermark")
	}
	b.lowWatermark = lowWatermark
	b.highWatermark = highWatermark
	b.checkHighWatermark()
	b.checkLowWatermark()
}

func (b *WatermarkBuffer) LowWatermark() int {
	return b.lowWatermark
}

func (b *WatermarkBuffer) HighWatermark() int {
	return b.highWatermark
}

func (b *WatermarkBuffer) AboveHighWatermark() bool {
	return b.aboveHighWatermarkCalled
}

// Buffer exposes the tracked buffer to code that only knows OwnedBuffer;
// mutations through it are still checked against the watermarks.
func (b *WatermarkBuffer) Buffer() *OwnedBuffer {
	return &b.OwnedBuffer
}

func (b *WatermarkBuffer) checkWatermarks() {
	b.checkHighWatermark()
	b.checkLowWatermark()
}

func (b *WatermarkBuffer) checkHighWatermark() {
	if b.aboveHighWatermarkCalled || b.highWatermark == 0 || b.Len() <= b.highWatermark {
		return
	}
	b.aboveHighWatermarkCalled = true
	if b.onHighWatermark != nil {
		b.onHighWatermark()
	}
}

func (b *WatermarkBuffer) checkLowWatermark() {
	if !b.aboveHighWatermarkCalled || (b.highWatermark != 0 && b.Len() >= b.lowWatermark) {
		return
	}
	b.aboveHighWatermarkCalled = false
	if b.onLowWatermark != nil {
		b.onLowWatermark()
	}
}
