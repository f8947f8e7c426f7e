package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/safety-engine/internal/domain"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    interface{}
		wantErr bool
	}{
		{
			name: "identify",
			line: `{"type":"identify","user_id":"u1"}`,
			want: &IdentifyMessage{Type: MsgTypeIdentify, UserID: "u1"},
		},
		{
			name:    "identify without user",
			line:    `{"type":"identify"}`,
			wantErr: true,
		},
		{
			name: "location",
			line: `{"type":"location","data":{"lat":40.2,"lon":-8.4,"speed":3.5,"timestamp":"2026-10-18T09:00:00Z"}}`,
			want: &LocationMessage{Type: MsgTypeLocation, Data: LocationData{Lat: 40.2, Lon: -8.4, Speed: 3.5, Timestamp: "2026-10-18T09:00:00Z"}},
		},
		{
			name:    "location with bad latitude",
			line:    `{"type":"location","data":{"lat":91,"lon":0,"timestamp":"2026-10-18T09:00:00Z"}}`,
			wantErr: true,
		},
		{
			name:    "location with bad timestamp",
			line:    `{"type":"location","data":{"lat":1,"lon":1,"timestamp":"yesterday"}}`,
			wantErr: true,
		},
		{
			name: "sensor",
			line: `{"type":"sensor","event":"accident"}`,
			want: &SensorMessage{Type: MsgTypeSensor, Event: SensorAccident},
		},
		{
			name:    "unknown sensor",
			line:    `{"type":"sensor","event":"earthquake"}`,
			wantErr: true,
		},
		{
			name: "cancel",
			line: `{"type":"cancel","pin":"0000"}`,
			want: &CancelMessage{Type: MsgTypeCancel, PIN: "0000"},
		},
		{
			name:    "video without url",
			line:    `{"type":"video"}`,
			wantErr: true,
		},
		{
			name: "panic",
			line: `{"type":"panic"}`,
			want: &PanicMessage{Type: MsgTypePanic},
		},
		{
			name:    "unknown type",
			line:    `{"type":"metrics"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			line:    `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tt.line))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocationData_Sample(t *testing.T) {
	d := LocationData{Lat: 1, Lon: 2, Speed: 25, Timestamp: "2026-10-18T09:00:00Z"}
	s, err := d.Sample()
	require.NoError(t, err)
	assert.Equal(t, domain.GeoPoint{Lat: 1, Lon: 2}, s.Position)
	assert.Equal(t, time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC), s.Timestamp)
	assert.InDelta(t, 90.0, s.SpeedKmh(), 1e-9)
}

func TestNewDeviceEvent(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	ev := NewDeviceEvent("c1", "u1", &CancelMessage{Type: MsgTypeCancel, PIN: "1234"}, at)
	require.NotNil(t, ev)
	assert.Equal(t, MsgTypeCancel, ev.Type)
	assert.Equal(t, "1234", ev.PIN)
	assert.Equal(t, "u1", ev.UserID)

	ev = NewDeviceEvent("c1", "u1", &LocationMessage{Data: LocationData{Lat: 3}}, at)
	require.NotNil(t, ev)
	require.NotNil(t, ev.Location)
	assert.Equal(t, 3.0, ev.Location.Lat)

	assert.Nil(t, NewDeviceEvent("c1", "u1", &KeepaliveMessage{}, at))
	assert.Nil(t, NewDeviceEvent("c1", "u1", &IdentifyMessage{}, at))
}

func TestDeviceEventRoundTrip(t *testing.T) {
	ev := &DeviceEvent{UserID: "u1", Type: MsgTypeVideo, VideoURL: "https://cdn/v.mp4"}
	data, err := EncodeDeviceEvent(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "location")

	decoded, err := DecodeDeviceEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev.VideoURL, decoded.VideoURL)
}

func TestNewAlertMessage_RecordSeconds(t *testing.T) {
	msg := NewAlertMessage(&AlertNotification{Type: AlertEscalated}, 30*time.Second)
	assert.Equal(t, MsgTypeAlert, msg.Type)
	assert.Equal(t, 30, msg.RecordSeconds)

	msg = NewAlertMessage(&AlertNotification{Type: AlertCountdownStarted}, 30*time.Second)
	assert.Zero(t, msg.RecordSeconds)

	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "record_seconds")
}
