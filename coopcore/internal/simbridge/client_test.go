package simbridge_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/orchestrator"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/simbridge"
)

type bridge struct {
	mu       sync.Mutex
	controls []ledger.Action
	locFails int
}

func (b *bridge) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/actors/42/location", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		fail := b.locFails > 0
		if fail {
			b.locFails--
		}
		b.mu.Unlock()
		if fail {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(ledger.Position{X: 1.5, Y: -2, Z: 0.3})
	})
	mux.HandleFunc("/actors/42/velocity", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ledger.Position{X: 3, Y: 4})
	})
	mux.HandleFunc("/actors/42/control", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		var a ledger.Action
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.controls = append(b.controls, a)
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestClientReadsAndControls(t *testing.T) {
	b := &bridge{locFails: 1}
	srv := httptest.NewServer(b.handler())
	defer srv.Close()

	c, err := simbridge.NewClient(simbridge.Config{BaseURL: srv.URL + "/", ActorID: "42", Retries: 1, Timeout: time.Second})
	require.NoError(t, err)

	pos, err := c.Position(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.Position{X: 1.5, Y: -2, Z: 0.3}, pos)

	vel, err := c.Velocity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3.0, vel.X)

	require.NoError(t, c.ApplyAction(context.Background(), ledger.Action{Throttle: 0.4, Steer: -0.1}))
	b.mu.Lock()
	require.Len(t, b.controls, 1)
	assert.Equal(t, 0.4, b.controls[0].Throttle)
	b.mu.Unlock()
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, err := simbridge.NewClient(simbridge.Config{BaseURL: srv.URL, ActorID: "7"})
	require.NoError(t, err)
	_, err = c.Position(context.Background())
	assert.Error(t, err)
	assert.Error(t, c.ApplyAction(context.Background(), ledger.FullStop))

	_, err = simbridge.NewClient(simbridge.Config{ActorID: "7"})
	assert.Error(t, err)
	_, err = simbridge.NewClient(simbridge.Config{BaseURL: srv.URL})
	assert.Error(t, err)

	_, err = c.Subscribe(context.Background(), "camera", func(orchestrator.Frame) {})
	assert.Error(t, err, "no frame source configured")
}

type chanSource struct {
	msgs   chan kafka.Message
	closed bool
}

func (s *chanSource) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m, ok := <-s.msgs:
		if !ok {
			return kafka.Message{}, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (s *chanSource) Close() error {
	s.closed = true
	return nil
}

func TestSubscribeFiltersByActorAndSensor(t *testing.T) {
	src := &chanSource{msgs: make(chan kafka.Message, 4)}
	c, err := simbridge.NewClient(simbridge.Config{BaseURL: "http://bridge", ActorID: "42", Frames: src})
	require.NoError(t, err)

	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	src.msgs <- kafka.Message{Key: []byte("42"), Value: []byte("img-1"), Time: ts, Headers: []kafka.Header{
		{Key: simbridge.HeaderSensor, Value: []byte("camera")},
		{Key: simbridge.HeaderFrame, Value: []byte("17")},
		{Key: simbridge.HeaderContentType, Value: []byte("image/png")},
	}}
	src.msgs <- kafka.Message{Key: []byte("43"), Value: []byte("other actor")}
	src.msgs <- kafka.Message{Key: []byte("42"), Value: []byte("lidar"), Headers: []kafka.Header{{Key: simbridge.HeaderSensor, Value: []byte("lidar")}}}
	close(src.msgs)

	var mu sync.Mutex
	var got []orchestrator.Frame
	stop, err := c.Subscribe(context.Background(), "camera", func(f orchestrator.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	stop()
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "camera", got[0].Sensor)
	assert.Equal(t, int64(17), got[0].Number)
	assert.Equal(t, "image/png", got[0].ContentType)
	assert.Equal(t, []byte("img-1"), got[0].Data)
	assert.Equal(t, ts, got[0].CapturedAt)
}

func TestNewFrameReaderValidates(t *testing.T) {
	_, err := simbridge.NewFrameReader(simbridge.FrameReaderConfig{Topic: "frames"})
	assert.Error(t, err)
	_, err = simbridge.NewFrameReader(simbridge.FrameReaderConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}
