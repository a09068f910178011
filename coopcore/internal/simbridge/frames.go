package simbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/orchestrator"
)

// Frame message headers written by the bridge.
const (
	HeaderSensor      = "sensor"
	HeaderFrame       = "frame"
	HeaderContentType = "content-type"
)

// FrameSource is satisfied by *kafka.Reader.
type FrameSource interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// FrameReaderConfig configures NewFrameReader.
type FrameReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewFrameReader returns a consumer-group reader for the sensor topic.
func NewFrameReader(cfg FrameReaderConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  250 * time.Millisecond,
	}), nil
}

// Subscribe reads frames for this actor and sensor until stop is called.
// Messages keyed for other actors or sensors are skipped.
func (c *Client) Subscribe(ctx context.Context, sensor string, fn func(orchestrator.Frame)) (func(), error) {
	if c.frames == nil {
		return nil, fmt.Errorf("simbridge: no frame source configured")
	}
	rctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			msg, err := c.frames.ReadMessage(rctx)
			if err != nil {
				if rctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				log.Printf("[simbridge.frames] read: %v", err)
				select {
				case <-rctx.Done():
					return
				case <-time.After(500 * time.Millisecond):
				}
				continue
			}
			if f, ok := c.frameFrom(msg, sensor); ok {
				fn(f)
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	return stop, nil
}

func (c *Client) frameFrom(msg kafka.Message, sensor string) (orchestrator.Frame, bool) {
	if string(msg.Key) != c.actor {
		return orchestrator.Frame{}, false
	}
	f := orchestrator.Frame{Data: msg.Value, CapturedAt: msg.Time}
	for _, h := range msg.Headers {
		switch h.Key {
		case HeaderSensor:
			f.Sensor = string(h.Value)
		case HeaderFrame:
			n, err := strconv.ParseInt(string(h.Value), 10, 64)
			if err == nil {
				f.Number = n
			}
		case HeaderContentType:
			f.ContentType = string(h.Value)
		}
	}
	if f.Sensor == "" {
		f.Sensor = sensor
	}
	if sensor != "" && f.Sensor != sensor {
		return orchestrator.Frame{}, false
	}
	if f.Number == 0 {
		f.Number = msg.Offset
	}
	return f, true
}
