package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSnapshot(t *testing.T) {
	p := NewNumberProperty("Rotator", "ROTATOR_POSITION", "Rotator", "Position", StateBusy, PermRW,
		NumberItem("POSITION", "Position", "%.2f", 0, 360, 0.01, 12.5),
	)
	p.Items[0].Number().Target = 90

	s := NewSnapshot(p)
	if s.Kind != "Number" || s.State != "Busy" || s.Perm != "rw" || s.Rule != "" {
		t.Fatalf("unexpected header: %+v", s)
	}
	if len(s.Items) != 1 {
		t.Fatalf("got %d items", len(s.Items))
	}
	it := s.Items[0]
	if it.Value != 12.5 || it.Target == nil || *it.Target != 90 {
		t.Errorf("unexpected item: %+v", it)
	}
	if it.Min == nil || it.Max == nil || *it.Max != 360 {
		t.Errorf("range missing: %+v", it)
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"target":90`) {
		t.Errorf("target not encoded: %s", data)
	}
}

func TestSnapshotKinds(t *testing.T) {
	sw := NewSnapshot(NewConnectionProperty("CCD"))
	if sw.Rule != "OneOfMany" || sw.Items[0].Value != false || sw.Items[1].Value != true {
		t.Errorf("switch snapshot: %+v", sw)
	}

	light := NewSnapshot(NewLightProperty("CCD", "STATUS", "", "", StateOk, LightItem("COOLER", "", StateAlert)))
	if light.Items[0].Value != "Alert" {
		t.Errorf("light value = %v", light.Items[0].Value)
	}

	blob := NewBLOBProperty("CCD", "IMAGE", "", "", StateOk, PermRO, BLOBItem("IMAGE", ""))
	blob.Items[0].BLOB().Format = ".fits"
	blob.Items[0].BLOB().Size = 42
	info, ok := NewSnapshot(blob).Items[0].Value.(BLOBInfo)
	if !ok || info.Format != ".fits" || info.Size != 42 {
		t.Errorf("blob value = %#v", NewSnapshot(blob).Items[0].Value)
	}
}

func TestNewRequest(t *testing.T) {
	number := NewNumberProperty("Focuser", "FOCUSER_POSITION", "", "", StateOk, PermRW,
		NumberItem("POSITION", "", "%g", 0, 1000, 1, 0),
	)
	conn := NewConnectionProperty("Focuser")
	text := NewTextProperty("Focuser", "DEVICE_PORT", "", "", StateOk, PermRW, TextItem("PORT", "", ""))

	tests := []struct {
		name    string
		current *Property
		values  map[string]any
		wantErr bool
		check   func(t *testing.T, req *Property)
	}{
		{
			name:    "number",
			current: number,
			values:  map[string]any{"POSITION": 250.0},
			check: func(t *testing.T, req *Property) {
				if req.Item("POSITION").Number().Value != 250 {
					t.Errorf("value = %v", req.Item("POSITION").Number().Value)
				}
			},
		},
		{
			name:    "number from string",
			current: number,
			values:  map[string]any{"POSITION": " 17.5 "},
			check: func(t *testing.T, req *Property) {
				if req.Item("POSITION").Number().Value != 17.5 {
					t.Errorf("value = %v", req.Item("POSITION").Number().Value)
				}
			},
		},
		{
			name:    "switch",
			current: conn,
			values:  map[string]any{ConnectedItem: true},
			check: func(t *testing.T, req *Property) {
				if !req.Item(ConnectedItem).Switch().On {
					t.Error("CONNECTED not on")
				}
				if req.Kind != KindSwitch || req.Key() != (PropertyKey{Device: "Focuser", Name: "CONNECTION"}) {
					t.Errorf("unexpected request %s %s", req.Kind, req.Key())
				}
			},
		},
		{
			name:    "switch text",
			current: conn,
			values:  map[string]any{DisconnectedItem: "On"},
			check: func(t *testing.T, req *Property) {
				if !req.Item(DisconnectedItem).Switch().On {
					t.Error("DISCONNECTED not on")
				}
			},
		},
		{
			name:    "text",
			current: text,
			values:  map[string]any{"PORT": "/dev/ttyUSB0"},
			check: func(t *testing.T, req *Property) {
				if req.Item("PORT").Text().Text != "/dev/ttyUSB0" {
					t.Errorf("text = %q", req.Item("PORT").Text().Text)
				}
			},
		},
		{name: "unknown item", current: number, values: map[string]any{"SPEED": 1.0}, wantErr: true},
		{name: "wrong type", current: number, values: map[string]any{"POSITION": true}, wantErr: true},
		{name: "bad switch", current: conn, values: map[string]any{ConnectedItem: "yes"}, wantErr: true},
		{name: "empty", current: text, values: map[string]any{}, wantErr: true},
		{
			name:    "light",
			current: NewLightProperty("Focuser", "STATUS", "", "", StateOk, LightItem("MOTOR", "", StateOk)),
			values:  map[string]any{"MOTOR": "Ok"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewRequest(tt.current, tt.values)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidValue) {
					t.Fatalf("expected ErrInvalidValue, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewRequest failed: %v", err)
			}
			if err := req.Validate(); err != nil {
				t.Errorf("request does not validate: %v", err)
			}
			tt.check(t, req)
		})
	}
}
