package heartbeat

import (
	"testing"
	"time"
)

func TestWildcardIndex(t *testing.T) {
	cases := []struct {
		topic string
		want  int
	}{
		{"devices/+/heartbeat", 1},
		{"site7/hw/+/hb", 2},
		{"+/heartbeat", 0},
		{"devices/all/heartbeat", -1},
		{"", -1},
	}
	for _, c := range cases {
		if got := wildcardIndex(c.topic); got != c.want {
			t.Errorf("wildcardIndex(%q) = %d, want %d", c.topic, got, c.want)
		}
	}
}

func TestParseHeartbeat(t *testing.T) {
	now := time.Now()
	stamped := now.Add(-30 * time.Second).UTC().Truncate(time.Second)

	cases := []struct {
		name      string
		topic     string
		deviceIdx int
		payload   string
		wantID    string
		wantAt    time.Time
		wantErr   bool
	}{
		{
			name:      "payload carries id and timestamp",
			topic:     "devices/d1/heartbeat",
			deviceIdx: 1,
			payload:   `{"device_id":"d9","timestamp":"` + stamped.Format(time.RFC3339) + `"}`,
			wantID:    "d9",
			wantAt:    stamped,
		},
		{
			name:      "id falls back to topic segment",
			topic:     "devices/d1/heartbeat",
			deviceIdx: 1,
			payload:   `{}`,
			wantID:    "d1",
			wantAt:    now,
		},
		{
			name:      "empty payload",
			topic:     "devices/d1/heartbeat",
			deviceIdx: 1,
			wantID:    "d1",
			wantAt:    now,
		},
		{
			name:      "custom topic shape",
			topic:     "site7/hw/d4/hb",
			deviceIdx: 2,
			payload:   `{}`,
			wantID:    "d4",
			wantAt:    now,
		},
		{
			name:      "no wildcard and no payload id",
			topic:     "devices/all/heartbeat",
			deviceIdx: -1,
			payload:   `{}`,
			wantErr:   true,
		},
		{
			name:      "wildcard index beyond topic",
			topic:     "ping",
			deviceIdx: 2,
			payload:   `{}`,
			wantErr:   true,
		},
		{
			name:      "malformed payload",
			topic:     "devices/d1/heartbeat",
			deviceIdx: 1,
			payload:   `{not json`,
			wantErr:   true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			id, at, err := parseHeartbeat(c.topic, []byte(c.payload), now, c.deviceIdx)
			if c.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHeartbeat: %v", err)
			}
			if id != c.wantID {
				t.Errorf("device id: %q", id)
			}
			if !at.Equal(c.wantAt) {
				t.Errorf("timestamp: %v, want %v", at, c.wantAt)
			}
		})
	}
}

func TestNew_DefaultsTopic(t *testing.T) {
	s := New(Config{BrokerURL: "tcp://localhost:1883"}, nil, nil)
	if s.cfg.Topic != "devices/+/heartbeat" {
		t.Errorf("topic: %q", s.cfg.Topic)
	}
	if s.deviceIdx != 1 {
		t.Errorf("device segment index: %d", s.deviceIdx)
	}
}

func TestNew_CustomTopicWildcard(t *testing.T) {
	s := New(Config{BrokerURL: "tcp://localhost:1883", Topic: "site7/hw/+/hb"}, nil, nil)
	if s.deviceIdx != 2 {
		t.Errorf("device segment index: %d", s.deviceIdx)
	}
}

func TestStart_RequiresBroker(t *testing.T) {
	s := New(Config{}, nil, nil)
	if err := s.Start(nil); err == nil {
		t.Error("Start without a broker URL must fail")
	}
}
