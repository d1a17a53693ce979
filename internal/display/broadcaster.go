package display

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// fanout delivers values to subscribers over small buffered channels. Slow
// subscribers miss values rather than stall the publisher.
type fanout[T any] struct {
	name    string
	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
	closed  bool
}

func newFanout[T any](name string) *fanout[T] {
	return &fanout[T]{name: name, clients: make(map[int]chan T)}
}

// Subscribe adds a new client and returns a channel for receiving values.
func (f *fanout[T]) Subscribe() (int, <-chan T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan T, 2) // Buffer 2 values to avoid blocking
	if f.closed {
		close(ch)
		return id, ch
	}
	f.clients[id] = ch

	logger.Debug(f.name, "Client #%d subscribed (total clients: %d)", id, len(f.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (f *fanout[T]) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.clients[id]; ok {
		close(ch)
		delete(f.clients, id)
		logger.Debug(f.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(f.clients))
	}
}

// Clients returns the number of subscribers.
func (f *fanout[T]) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fanout[T]) broadcast(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.clients {
		select {
		case ch <- v:
		default:
			// Client too slow, skip this value for this client
		}
	}
}

// Close disconnects every subscriber.
func (f *fanout[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.clients {
		close(ch)
		delete(f.clients, id)
	}
}

// SerializedEvent holds one pose event pre-serialized in both wire formats
// so that fanout does not re-encode per client.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 for SSE transport
}

// PoseEvent is the JSON shape of /api/pose/stream events.
type PoseEvent struct {
	Seq         uint64        `json:"seq"`
	TimestampNs int64         `json:"timestamp_ns"`
	X           float64       `json:"x"`
	Y           float64       `json:"y"`
	Z           float64       `json:"z"`
	Yaw         float64       `json:"yaw"`
	Rvec        [3]float64    `json:"rvec"`
	ReprojPx    float64       `json:"reprojection_px"`
	ROI         BoundingBox   `json:"roi"`
	Corners     [4][2]float64 `json:"corners"`
}

// BoundingBox is an integer pixel rectangle.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// NewPoseEvent flattens a pose result for the wire.
func NewPoseEvent(p types.PoseResult) PoseEvent {
	ev := PoseEvent{
		X:        p.Translation.X,
		Y:        p.Translation.Y,
		Z:        p.Translation.Z,
		Yaw:      p.Yaw,
		Rvec:     [3]float64{p.Rotation.X, p.Rotation.Y, p.Rotation.Z},
		ReprojPx: p.ReprojectionError,
		ROI:      BoundingBox{X: p.ROI.Min.X, Y: p.ROI.Min.Y, W: p.ROI.Dx(), H: p.ROI.Dy()},
	}
	if p.Frame != nil {
		ev.Seq = p.Frame.Seq
		ev.TimestampNs = p.Frame.Timestamp.Nanoseconds()
	}
	for i, c := range p.Corners {
		ev.Corners[i] = [2]float64{c.X, c.Y}
	}
	return ev
}

// serializePoseEvent encodes the event as JSON and as a protobuf Struct.
func serializePoseEvent(ev PoseEvent) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	corners := make([]any, len(ev.Corners))
	for i, c := range ev.Corners {
		corners[i] = []any{c[0], c[1]}
	}
	msg, err := structpb.NewStruct(map[string]any{
		"seq":             float64(ev.Seq),
		"timestamp_ns":    float64(ev.TimestampNs),
		"x":               ev.X,
		"y":               ev.Y,
		"z":               ev.Z,
		"yaw":             ev.Yaw,
		"rvec":            []any{ev.Rvec[0], ev.Rvec[1], ev.Rvec[2]},
		"reprojection_px": ev.ReprojPx,
		"roi": map[string]any{
			"x": ev.ROI.X, "y": ev.ROI.Y, "w": ev.ROI.W, "h": ev.ROI.H,
		},
		"corners": corners,
	})
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(msg)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
