package log

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestFileLoggerWritesCBOR(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.trace")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	event := Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-123",
		Direction:    DirectionOut,
		Layer:        LayerBus,
		Category:     CategoryMessage,
		Device:       "CCD Simulator",
		Property:     "CONNECTION",
		Message:      &MessageEvent{Verb: VerbDefine, Kind: "Switch", State: "Ok", Items: 2},
	}
	logger.Log(event)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read trace file: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if decoded.Device != event.Device || decoded.Property != event.Property {
		t.Errorf("address: got %s.%s", decoded.Device, decoded.Property)
	}
	if decoded.Message == nil || decoded.Message.Verb != VerbDefine || decoded.Message.Items != 2 {
		t.Errorf("message: got %+v", decoded.Message)
	}
	if !decoded.Timestamp.Equal(event.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", decoded.Timestamp, event.Timestamp)
	}
}

func TestFileLoggerIgnoresAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.trace")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	logger.Log(Event{ConnectionID: "late"})

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected empty file, got %d bytes", info.Size())
	}
}

func TestFileLoggerConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.trace")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				logger.Log(Event{Timestamp: time.Now(), Layer: LayerWire, Frame: NewFrameEvent([]byte("<getProperties/>"))})
			}
		}()
	}
	wg.Wait()
	logger.Close()

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	count := 0
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed after %d events: %v", count, err)
		}
		count++
	}
	if count != writers*perWriter {
		t.Errorf("read %d events, want %d", count, writers*perWriter)
	}
}

func TestNewFrameEventTruncates(t *testing.T) {
	data := make([]byte, MaxFrameData+10)
	f := NewFrameEvent(data)
	if f.Size != len(data) {
		t.Errorf("Size = %d, want %d", f.Size, len(data))
	}
	if len(f.Data) != MaxFrameData || !f.Truncated {
		t.Errorf("expected truncation to %d bytes, got %d (truncated=%v)", MaxFrameData, len(f.Data), f.Truncated)
	}

	small := NewFrameEvent([]byte("abc"))
	if small.Truncated || string(small.Data) != "abc" {
		t.Errorf("unexpected small frame: %+v", small)
	}
}
