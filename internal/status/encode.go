package status

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/congestion"
)

// View is the wire shape of a snapshot, shared by the HTTP API, the
// stream feeds and the CLI client.
type View struct {
	Congestion    string   `json:"congestion"`
	Trend         string   `json:"trend"`
	Timestamp     string   `json:"timestamp"`
	AvgCount      int      `json:"avg_count"`
	WindowHistory []string `json:"window_history"`
}

// View renders s with an RFC 3339 UTC timestamp
func (s *Snapshot) View() View {
	history := make([]string, len(s.WindowHistory))
	for i, l := range s.WindowHistory {
		history[i] = string(l)
	}
	return View{
		Congestion:    string(s.Congestion),
		Trend:         string(s.Trend),
		Timestamp:     s.Timestamp.UTC().Format(time.RFC3339Nano),
		AvgCount:      s.AvgCount,
		WindowHistory: history,
	}
}

// MarshalJSON implements json.Marshaler
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.View())
}

// Snapshot parses v back into a snapshot
func (v View) Snapshot() (*Snapshot, error) {
	ts, err := time.Parse(time.RFC3339Nano, v.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", v.Timestamp, err)
	}
	history := make([]congestion.Level, len(v.WindowHistory))
	for i, l := range v.WindowHistory {
		history[i] = congestion.Level(l)
	}
	return &Snapshot{
		Congestion:    Congestion(v.Congestion),
		Trend:         congestion.Trend(v.Trend),
		AvgCount:      v.AvgCount,
		Timestamp:     ts,
		WindowHistory: history,
	}, nil
}

// Struct converts s into a protobuf Struct with the same field names as
// the JSON view.
func (s *Snapshot) Struct() (*structpb.Struct, error) {
	v := s.View()
	history := make([]any, len(v.WindowHistory))
	for i, l := range v.WindowHistory {
		history[i] = l
	}
	st, err := structpb.NewStruct(map[string]any{
		"congestion":     v.Congestion,
		"trend":          v.Trend,
		"timestamp":      v.Timestamp,
		"avg_count":      v.AvgCount,
		"window_history": history,
	})
	if err != nil {
		return nil, fmt.Errorf("build status struct: %w", err)
	}
	return st, nil
}

// MarshalProto encodes s as a binary google.protobuf.Struct
func (s *Snapshot) MarshalProto() ([]byte, error) {
	st, err := s.Struct()
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// UnmarshalProto decodes a binary Struct produced by MarshalProto
func UnmarshalProto(data []byte) (View, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return View{}, fmt.Errorf("unmarshal status struct: %w", err)
	}

	fields := st.GetFields()
	v := View{
		Congestion: fields["congestion"].GetStringValue(),
		Trend:      fields["trend"].GetStringValue(),
		Timestamp:  fields["timestamp"].GetStringValue(),
		AvgCount:   int(fields["avg_count"].GetNumberValue()),
	}
	for _, item := range fields["window_history"].GetListValue().GetValues() {
		v.WindowHistory = append(v.WindowHistory, item.GetStringValue())
	}
	if v.WindowHistory == nil {
		v.WindowHistory = []string{}
	}
	return v, nil
}
